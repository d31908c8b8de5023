package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dimpart/tarsier"
	"github.com/dimpart/tarsier/c2dm"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay [FILE]",
	Short: "Feed JSON-lines push messages through the badge reconciler",
	Long: `Read push messages, one JSON object per line, from FILE or stdin and run
each through the badge reconciler, updating the badge state file.

Example line:
  {"message_id":"1","data":{"time":"1700000000","badge":"3"}}`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		a := newApp(cfg, slog.Default(), appOptions{})
		rows, err := replayMessages(in, a.deliver)
		if useYAML {
			yamlOut(rows)
		} else {
			printTable("%-6s %-20s %s", 60, "LINE", "MESSAGE", "BADGE")
			for _, r := range rows {
				fmt.Printf("%-6d %-20s %s\n", r.Line, truncate(r.MessageID, 20), r.Result)
			}
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

// replayRow is the decision for one replayed message.
type replayRow struct {
	Line      int            `yaml:"line"`
	MessageID string         `yaml:"message_id,omitempty"`
	Result    string         `yaml:"result"`
	Badge     map[string]any `yaml:"badge"`
}

// replayMessages decodes one PushMessage per line of r and hands each to
// handle. Blank lines and lines starting with '#' are skipped. A line that
// is not valid JSON stops the replay.
func replayMessages(r io.Reader, handle func(tarsier.PushMessage) c2dm.BadgeResult) ([]replayRow, error) {
	var rows []replayRow
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var msg tarsier.PushMessage
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return rows, fmt.Errorf("line %d: %w", line, err)
		}
		res := handle(msg)
		rows = append(rows, replayRow{
			Line:      line,
			MessageID: msg.MessageID,
			Result:    res.String(),
			Badge:     badgeRow(res),
		})
	}
	if err := sc.Err(); err != nil {
		return rows, fmt.Errorf("reading input: %w", err)
	}
	return rows, nil
}
