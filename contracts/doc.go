// Package contracts defines the envelope exchanged between services.
//
// An Envelope carries delivery metadata (id, creation date, sender) around an
// opaque payload. The payload is itself a complete JSON document, so a
// message on the wire is JSON wrapped in JSON:
//
//	{"id":"…","creation_date":"…","sender":"user_ms","payload":"eyJuaWNrbmFtZSI6…"}
//
// Envelopes are built by the publisher at send time and decoded fresh on
// every delivery; they are never mutated afterwards.
package contracts
