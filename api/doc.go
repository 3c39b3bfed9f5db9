// Package api defines the chainspace RPC wire format: JSON frames carried on
// one WebSocket per client, the method names and the request, response and
// notification payloads of every service.
//
// Binary fields ([]byte) are base64 encoded by encoding/json. Chain and
// resource identifiers are chosen by the client and only need to be unique
// within its connection.
package api
