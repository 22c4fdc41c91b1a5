// Package slickctx defines the small set of types and callbacks that cross
// component boundaries without creating import cycles: an inbound
// FriendRequest (certserver → embedding application) and a delivered Message
// (talkserver → embedding application).
//
// Grounded on spec §9's bidirectional-ownership design note: "Model this as
// a context object passed to each component's operations, not as
// back-pointers, to avoid ownership cycles", generalizing
// original_source/slick/app.py's handle_friend_request/
// handle_incoming_message callback pair.
package slickctx

// FriendRequest is the data certserver hands to the embedding application's
// decision callback after unsealing and decoding an inbound pairing greeting
// (spec §4.5).
type FriendRequest struct {
	CertPEM   []byte
	Name      string
	PublicKey [32]byte
	Digest    [32]byte
}

// Message is the envelope talkserver hands to the embedding application's
// message callback after a POST / arrives on an authenticated connection
// (spec §3, §4.6).
type Message struct {
	SenderName  string
	SenderOnion string
	ContentType string
	Data        []byte
}

// FriendDecisionFunc decides whether to accept an inbound friend request. It
// may block for as long as it needs (spec §4.5: "Await the callback's
// accept/reject decision (unbounded wait)") — certserver runs one of these
// per inbound request on its own goroutine, so a slow decision never stalls
// other requests.
type FriendDecisionFunc func(*FriendRequest) bool

// MessageFunc dispatches a delivered message to the embedding application.
type MessageFunc func(*Message)
