package signals

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/hnm/internal/config"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func publishVector(t *testing.T, nc *nats.Conn, subject string, values []float64) {
	t.Helper()
	data, err := json.Marshal(Vector{Values: values})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(subject, data))
	require.NoError(t, nc.Flush())
}

func TestNATSSource_LatestValueWins(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(config.NATSConfig{URL: server.ClientURL(), Timeout: config.Duration(time.Second)}, "test", nil)
	require.NoError(t, err)
	defer nc.Close()

	spec := SpecFromLevels(testLevels())
	src, err := NewNATSSource(nc, "lab", spec, nil)
	require.NoError(t, err)
	defer src.Close()

	b := tensor.NewBackend()
	ctx := context.Background()

	f, err := src.Read(ctx, b, 0)
	require.NoError(t, err)
	assert.Empty(t, f.Sensory, "nothing received yet")
	f.Dispose()

	publishVector(t, nc, SensorSubject("lab", "audio"), []float64{1, 2, 3})
	publishVector(t, nc, SensorSubject("lab", "audio"), []float64{4, 5, 6})
	publishVector(t, nc, ExternalSubject("lab", "reward"), []float64{0.5, -0.5})

	require.Eventually(t, func() bool {
		received, _ := src.Stats()
		return received == 3
	}, 5*time.Second, 10*time.Millisecond)

	f, err = src.Read(ctx, b, 1)
	require.NoError(t, err)
	require.Contains(t, f.Sensory, "audio")
	assert.NotContains(t, f.Sensory, "video")
	assert.Equal(t, []float64{4, 5, 6}, f.Sensory["audio"].Values())
	assert.True(t, f.Sensory["audio"].HasShape(1, 1, 3))
	assert.Equal(t, []float64{0.5, -0.5}, f.External["reward"].Values())

	// the held value is served again on the next tick
	again, err := src.Read(ctx, b, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6}, again.Sensory["audio"].Values())

	f.Dispose()
	again.Dispose()
	assert.Zero(t, b.Live())
}

func TestNATSSource_DropsBadMessages(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	src, err := NewNATSSource(nc, "lab", SpecFromLevels(testLevels()), nil)
	require.NoError(t, err)
	defer src.Close()

	publishVector(t, nc, SensorSubject("lab", "video"), []float64{1, 2})
	require.NoError(t, nc.Publish(SensorSubject("lab", "video"), []byte("not json")))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		_, dropped := src.Stats()
		return dropped == 2
	}, 5*time.Second, 10*time.Millisecond)

	f, err := src.Read(context.Background(), tensor.NewBackend(), 0)
	require.NoError(t, err)
	defer f.Dispose()
	assert.Empty(t, f.Sensory)
}

func TestFromConfig_NATS(t *testing.T) {
	server := startTestNATSServer(t)
	cfg := config.SignalsConfig{
		Kind: config.SourceNATS,
		NATS: config.NATSConfig{URL: server.ClientURL(), SubjectPrefix: "hnm"},
	}
	src, err := FromConfig(cfg, testLevels(), 1, nil)
	require.NoError(t, err)

	ns, ok := src.(*NATSSource)
	require.True(t, ok)
	assert.True(t, ns.ownsConn)
	require.NoError(t, src.Close())
	assert.True(t, ns.nc.IsClosed())
}

func TestNewNATSSource_NilConn(t *testing.T) {
	_, err := NewNATSSource(nil, "hnm", Spec{}, nil)
	assert.Error(t, err)
}
