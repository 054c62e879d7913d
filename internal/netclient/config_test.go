package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ecowatt-edge/firmware/internal/obslog"
	"github.com/stretchr/testify/require"
)

func TestConfigClientFetchDecodesRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/config/device-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ConfigRecord{
			PollPeriodMS:   1000,
			UploadPeriodMS: 60000,
			RegisterMask:   0x3,
			RegisterCount:  2,
		})
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, "device-1", obslog.New(&bytes.Buffer{}))
	cc := NewConfigClient(tr, time.Second)
	rec, err := cc.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1000), rec.PollPeriodMS)
	require.Equal(t, uint8(2), rec.RegisterCount)
}
