package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordStoreOp(t *testing.T) {
	before := testutil.ToFloat64(StoreOperations.WithLabelValues("create", "ok"))
	RecordStoreOp("create", "ok", 0.002)
	RecordStoreOp("create", "ok", 0.004)

	assert.Equal(t, before+2, testutil.ToFloat64(StoreOperations.WithLabelValues("create", "ok")))
}

func TestRecordPeerRequest(t *testing.T) {
	before := testutil.ToFloat64(PeerRequests.WithLabelValues("timeout"))
	RecordPeerRequest("timeout", 1.5)

	assert.Equal(t, before+1, testutil.ToFloat64(PeerRequests.WithLabelValues("timeout")))
}
