// Package tarsier provides the client-side building blocks of the Tarsier
// push center: the wire types shared with the messaging backend (content
// types, commands, push messages, device metadata) and a SignalR session
// channel that delivers commands to a logical receiver.
//
// The c2dm subpackage holds the registration and badge reconciliation state
// machine; the fcm subpackage provides the Android-native FCM transport that
// feeds it.
package tarsier
