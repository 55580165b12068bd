// Package realtime implements push notifications over websockets: a server
// Hub that fans events out to authenticated clients, and a client Channel
// that maintains one socket with heartbeats and bounded exponential-backoff
// reconnection.
//
// A caller-initiated close and a server-side normal closure both end the
// channel quietly; only abnormal disconnects trigger reconnection, and only
// while the session still verifies. The first frame on every socket is a
// connect event advertising the server's heartbeat and reconnect schedule;
// channels adopt it, so realtime tuning lives in server configuration.
package realtime
