// Package fcm is an Android-native FCM (Firebase Cloud Messaging) push
// transport.
//
// It performs GCM device checkin and registration to obtain a push token for
// a configured App, and runs an MCS (Mobile Connection Server) client that
// delivers inbound push messages as tarsier.PushMessage values. Client
// satisfies c2dm.PushTransport.
//
// Usage:
//
//	client := fcm.NewClient(sessionDir, fcm.WithApp(app))
//	client.OnMessage(func(msg tarsier.PushMessage) { ... })
//	token, err := client.Register(ctx)
//	err = client.Listen(ctx)
package fcm
