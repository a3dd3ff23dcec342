package quic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagenotes/notesync/internal/core/collab"
	"github.com/vantagenotes/notesync/internal/core/protocol"
)

func listen(t *testing.T, handle Handler) (string, context.Context) {
	t.Helper()
	tlsConf, err := SelfSignedTLSConfig()
	require.NoError(t, err)

	ln, err := Listen("127.0.0.1:0", tlsConf, Config{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	done := make(chan error, 1)
	go func() { done <- ln.Serve(ctx, handle) }()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		<-done
	})
	return ln.Addr().String(), ctx
}

func TestRoundTrip(t *testing.T) {
	addr, ctx := listen(t, func(ctx context.Context, c *Conn) {
		defer c.Close()
		for {
			data, err := c.Receive(ctx)
			if err != nil {
				return
			}
			msg, err := protocol.DecodeClient(data)
			if err != nil {
				return
			}
			_ = c.Send(ctx, protocol.Init{Doc: msg.Document(), Mode: protocol.ModeSingle, Text: "line one\nline two"})
		}
	})

	client, err := Dial(ctx, addr, ClientTLSConfig(true), Config{}, nil)
	require.NoError(t, err)
	defer client.Close()

	for _, doc := range []string{"a", "b"} {
		join, err := protocol.Encode(protocol.JoinDoc{Doc: doc})
		require.NoError(t, err)
		require.NoError(t, client.SendRaw(ctx, join))

		data, err := client.Receive(ctx)
		require.NoError(t, err)
		msg, err := protocol.DecodeServer(data)
		require.NoError(t, err)
		init, ok := msg.(protocol.Init)
		require.True(t, ok)
		assert.Equal(t, doc, init.Doc)
		assert.Equal(t, "line one\nline two", init.Text)
	}
}

func TestServerCloseEndsClientReceive(t *testing.T) {
	addr, ctx := listen(t, func(ctx context.Context, c *Conn) {
		_, _ = c.Receive(ctx)
		_ = c.Close()
	})

	client, err := Dial(ctx, addr, ClientTLSConfig(true), Config{}, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendRaw(ctx, []byte(`{"type":"joinDoc","doc":"a"}`)))
	_, err = client.Receive(ctx)
	assert.ErrorIs(t, err, collab.ErrConnClosed)
}

func TestDialRejectsUnverifiedCertificate(t *testing.T) {
	addr, ctx := listen(t, func(ctx context.Context, c *Conn) { _ = c.Close() })

	_, err := Dial(ctx, addr, ClientTLSConfig(false), Config{}, nil)
	assert.Error(t, err)
}

func TestServerTLSConfigMissingFiles(t *testing.T) {
	_, err := ServerTLSConfig(Config{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	assert.Error(t, err)

	conf, err := ServerTLSConfig(Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{NextProto}, conf.NextProtos)
	assert.Len(t, conf.Certificates, 1)
}
