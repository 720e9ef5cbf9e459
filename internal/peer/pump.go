package peer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/philsphicas/sigrelay/internal/protocol"
	"github.com/philsphicas/sigrelay/internal/relay"
)

// Pump sends each non-empty line of in as a text message and writes each
// received message to out followed by a newline. It returns when in is
// exhausted, the relay closes the socket, or ctx is cancelled, and closes
// ws on the way out.
func Pump(ctx context.Context, ws *websocket.Conn, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- receive(ctx, ws, out, logger) }()
	go func() { errc <- send(ctx, ws, in, logger) }()

	// in cannot be interrupted, so only the first result is awaited.
	err := <-errc
	cancel()
	_ = ws.Close(websocket.StatusNormalClosure, "done")
	return err
}

func send(ctx context.Context, ws *websocket.Conn, in io.Reader, logger *slog.Logger) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), relay.DefaultMaxMessageSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := ws.Write(ctx, websocket.MessageText, line); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		logger.Debug("sent message", "type", protocol.Kind(line), "bytes", len(line))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func receive(ctx context.Context, ws *websocket.Conn, out io.Writer, logger *slog.Logger) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if attrs, ok := signalAttrs(data); ok {
			logger.Info("received message", append(attrs, "bytes", len(data))...)
		} else {
			logger.Info("received non-signalling message", "bytes", len(data))
		}
		if _, err := out.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}

// signalAttrs summarizes a signalling message as log attributes: its type,
// the session description type and size, or the candidate's media line.
// ok is false when data is not a typed JSON object.
func signalAttrs(data []byte) (attrs []any, ok bool) {
	sig, err := protocol.Parse(data)
	if err != nil || sig.Type == "" {
		return nil, false
	}
	attrs = []any{"type", sig.Type}
	if desc, ok := sig.Description(); ok {
		attrs = append(attrs, "sdp_type", desc.Type, "sdp_bytes", len(desc.SDP))
	}
	if c := sig.ICECandidate(); c != nil {
		if c.SDPMid != nil {
			attrs = append(attrs, "sdp_mid", *c.SDPMid)
		}
		if c.SDPMLineIndex != nil {
			attrs = append(attrs, "sdp_mline_index", *c.SDPMLineIndex)
		}
	}
	return attrs, true
}
