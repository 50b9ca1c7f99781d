// Package api implements the HTTP REST API and WebSocket server of the
// PowerTime relay core.
//
// This package provides:
//   - plugin lifecycle endpoints (activate, deactivate, info)
//   - channel listing, switching and switch history
//   - device registry management and serial port discovery
//   - a WebSocket hub broadcasting channel.switched and plugin.state_changed
//
// A WebSocket client subscribes with
//
//	{"type":"subscribe","id":"1","payload":{"channels":["channel.switched"],"relays":[0,1]}}
//
// where relays is optional and narrows switch events to those channels.
//
// Errors use one envelope, {"status":409,"code":"plugin_inactive","message":"..."},
// and the code is stable across releases.
//
// # Security
//
// When security.jwt.secret is set, every route except /health needs an
// HS256 bearer token signed with it. Browsers opening /ws may pass the
// token in the access_token query parameter instead. With no secret the
// API is open, which suits a counter PC with the API bound to localhost.
//
// # Graceful Degradation
//
// Device management and history are optional dependencies; their routes
// answer 503 when the dependency is absent.
package api
