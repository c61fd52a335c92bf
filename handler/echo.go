package handler

import "context"

// EchoHandler is the default sample Handler: it prefixes every submitted
// line with "Echo: " and sends it back, matching the original telnet
// handler's default on_command_submitted implementation and spec §8
// scenario 1 ("Echo over TCP").
type EchoHandler struct{}

func NewEchoHandler() Handler { return &EchoHandler{} }

func (h *EchoHandler) OnConnect(ctx context.Context, info SessionInfo) ([]string, error) {
	return nil, nil
}

func (h *EchoHandler) OnLine(ctx context.Context, line string) ([]string, bool, error) {
	return []string{"Echo: " + line}, true, nil
}

func (h *EchoHandler) OnDisconnect(ctx context.Context) {}

func init() {
	Register("echo", NewEchoHandler)
}
