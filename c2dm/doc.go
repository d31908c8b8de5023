// Package c2dm reconciles push notifications into local device state.
//
// It owns three pieces of state, each behind its own lock:
//
//   - RegistrationGate: the once-per-process registration handshake
//     (initialise the push transport, then report the device token).
//   - TokenReporter: the last token reported to the backend; repeated or
//     empty tokens are skipped.
//   - BadgeReconciler: the badge count and the event time of the last
//     accepted notification; older notifications are rejected.
//
// Center wires them to the platform through capability interfaces
// (PushTransport, CommandSender, DeviceInfoProvider, BadgeSink,
// NotificationSink) and exposes Register, HandleIncoming and Cleanup.
//
// Usage:
//
//	center := c2dm.NewCenter(transport, session, device,
//		c2dm.WithBadgeSink(sink), c2dm.WithNotificationSink(sink))
//	center.Register(ctx)
//	transport.OnMessage(func(msg tarsier.PushMessage) { center.HandleIncoming(msg) })
package c2dm
