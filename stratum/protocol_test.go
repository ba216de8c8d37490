package stratum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNotifyParams(t *testing.T) {
	raw := json.RawMessage(`["job1","deadbeef","cb1","cb2",["branch1","branch2"],"20000000","1d00ffff","5e000000",true]`)
	p, err := parseNotifyParams(raw)
	require.NoError(t, err)
	require.Equal(t, "job1", p.JobID)
	require.Equal(t, "deadbeef", p.PrevHash)
	require.Equal(t, "cb1", p.Coinbase1)
	require.Equal(t, "cb2", p.Coinbase2)
	require.Equal(t, []string{"branch1", "branch2"}, p.MerkleBranches)
	require.True(t, p.CleanJobs)
}

func TestParseNotifyParamsShort(t *testing.T) {
	raw := json.RawMessage(`["job1","deadbeef"]`)
	_, err := parseNotifyParams(raw)
	require.Error(t, err)
}

func TestParseSubscribeResultTakesLastTwo(t *testing.T) {
	raw := json.RawMessage(`[[["mining.set_difficulty","1"],["mining.notify","2"]],"f000001",4]`)
	en1, en2, err := parseSubscribeResult(raw)
	require.NoError(t, err)
	require.Equal(t, "f000001", en1)
	require.Equal(t, 4, en2)
}

func TestParseSubscribeResultShort(t *testing.T) {
	raw := json.RawMessage(`["onlyone"]`)
	_, _, err := parseSubscribeResult(raw)
	require.Error(t, err)
}

func TestMessageIsNotifyVsResponse(t *testing.T) {
	var notify message
	require.NoError(t, json.Unmarshal([]byte(`{"method":"mining.notify","params":[]}`), &notify))
	require.True(t, notify.isNotify())
	require.False(t, notify.isResponse())

	var resp message
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"result":[],"error":null}`), &resp))
	require.False(t, resp.isNotify())
	require.True(t, resp.isResponse())
}
