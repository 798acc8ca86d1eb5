package remote

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/calcgrid/internal/calcnode"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/testutil"
	"github.com/specialistvlad/calcgrid/internal/testutil/fixtures"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func spec(valueName, functionID string) value.Specification {
	return value.NewSpecification(valueName, fixtures.Target, value.Properties{}, functionID)
}

func chainJob() *calcnode.Job {
	spot := spec("Spot", value.MarketDataFunctionID)
	v2 := spec("V2", "n2")
	return &calcnode.Job{
		Spec: calcnode.NewJobSpecification(uuid.New(), "fixture", "default", time.Unix(0, 0).UTC()),
		Items: []calcnode.JobItem{
			{FunctionID: "n2", Target: fixtures.Target, Inputs: []value.Specification{spot}, Outputs: []value.Specification{v2}},
			{FunctionID: "n0", Target: fixtures.Target, Inputs: []value.Specification{v2}, Outputs: []value.Specification{spec("V0", "n0")}},
		},
		Inputs: map[value.Specification]cty.Value{spot: cty.NumberIntVal(fixtures.SpotValue)},
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("opens a local websocket server")
	}
	ctx, _ := testutil.NewContext(t)
	reg, _, _ := fixtures.FiveNode(t)

	server := NewServer(ctx, calcnode.NewSimpleNode("remote-1", reg), 2)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		_ = server.Close()
	})

	client, err := Dial(ctx, httpServer.URL+"/socket.io/", DialOptions{ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	job := chainJob()
	results := make(chan *calcnode.JobResult, 1)
	require.NoError(t, client.Submit(ctx, job, func(res *calcnode.JobResult) { results <- res }))

	select {
	case res := <-results:
		assert.Equal(t, job.Spec.JobID, res.Spec.JobID)
		assert.Equal(t, "remote-1", res.Node)
		require.Len(t, res.Items, 2)
		require.Nil(t, res.Items[1].Failure)
		got := res.Items[1].Outputs[spec("V0", "n0")]
		assert.True(t, got.Equals(cty.NumberIntVal(12)).True(), got.GoString())
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the job result")
	}
	assert.Equal(t, 0, client.Pending())
}

func TestDialFailure(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	_, err := Dial(ctx, "://bad", DialOptions{})
	assert.ErrorContains(t, err, "failed to parse URL")
}

func TestClientPendingBookkeeping(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	c := &Client{logger: ctxlog.FromContext(ctx), pending: make(map[uuid.UUID]pendingJob)}

	job := chainJob()
	var got []*calcnode.JobResult
	c.pending[job.Spec.JobID] = pendingJob{job: job, receive: func(res *calcnode.JobResult) { got = append(got, res) }}

	t.Run("results for unknown jobs are ignored", func(t *testing.T) {
		other := chainJob()
		data, err := calcnode.EncodeResult(calcnode.FailedResult(other, "remote", errors.New("late")))
		require.NoError(t, err)
		c.onResult(string(data))
		c.onResult(42)
		c.onResult("not json")
		assert.Empty(t, got)
		assert.Equal(t, 1, c.Pending())
	})

	t.Run("pending jobs fail when the connection drops", func(t *testing.T) {
		c.failPending(ErrDisconnected)
		require.Len(t, got, 1)
		require.Len(t, got[0].Failed(), 2)
		assert.ErrorIs(t, got[0].Items[0].Failure, ErrDisconnected)
		assert.Equal(t, 0, c.Pending())
	})
}
