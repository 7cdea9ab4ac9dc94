package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchColumns(t *testing.T) {
	b := NewBatch()
	at := time.Date(2024, 5, 10, 17, 0, 0, 0, time.UTC)
	b.Add(Row{Time: at, Feed: "kp", Series: "kp", Value: 8.67, Source: "live", CycleID: "c1"})
	b.Add(Row{Time: at, Feed: "wind", Series: "wind_speed", Value: 812, Source: "cached", CycleID: "c1"})

	require.Equal(t, 2, b.Len())
	names := make([]string, 0, 6)
	for _, col := range b.Input() {
		names = append(names, col.Name)
		assert.Equal(t, 2, col.Data.Rows(), col.Name)
	}
	assert.Equal(t, []string{"time", "feed", "series", "value", "source", "cycle_id"}, names)
	assert.Equal(t, "wind_speed", b.Series.Row(1))
	assert.Equal(t, 8.67, b.Value.Row(0))
	assert.True(t, b.Time.Row(0).Equal(at))

	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestConfigNormalized(t *testing.T) {
	_, err := Config{}.normalized()
	assert.Error(t, err)

	cfg, err := Config{Address: " 127.0.0.1:9000 "}.normalized()
	require.NoError(t, err)
	assert.Equal(t, "spacewx.readings", cfg.TableFQN())

	_, err = Config{Address: "x:9000", Table: "readings; DROP"}.normalized()
	assert.Error(t, err)
}

func TestQueries(t *testing.T) {
	assert.Equal(t, "INSERT INTO wx.r (time, feed, series, value, source, cycle_id) VALUES", insertQuery("wx.r"))
	assert.Contains(t, createQuery("wx.r"), "CREATE TABLE IF NOT EXISTS wx.r")
}

func TestOpenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Open(ctx, Config{Address: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNilSink(t *testing.T) {
	var s *Sink
	assert.NoError(t, s.Close())
	assert.Error(t, s.Write(context.Background(), []Row{{Feed: "kp"}}))
}
