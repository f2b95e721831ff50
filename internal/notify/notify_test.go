package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/log"
)

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

type recorder struct {
	got []Notice
	err error
}

func (r *recorder) Notify(_ context.Context, n Notice) error {
	r.got = append(r.got, n)
	return r.err
}

func TestRedisStreamNotify(t *testing.T) {
	fs := &fakeStream{}
	rs := &RedisStream{client: fs, stream: "foreman_notifications"}

	err := rs.Notify(context.Background(), Notice{Kind: Escalation, Subject: "unit needs a human", PlanID: "p1"})
	require.NoError(t, err)
	require.Len(t, fs.args, 1)
	assert.Equal(t, "foreman_notifications", fs.args[0].Stream)

	values := fs.args[0].Values.(map[string]any)
	assert.Equal(t, "escalation", values["kind"])
	var decoded Notice
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, "p1", decoded.PlanID)
	assert.False(t, decoded.At.IsZero())

	fs.err = errors.New("connection refused")
	assert.ErrorContains(t, rs.Notify(context.Background(), Notice{Kind: Proposal}), "push notice")
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	m := Multi{ok, bad, Log{Logger: log.Discard()}}

	err := m.Notify(context.Background(), Notice{Kind: ApprovalRequired})
	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
}

func TestSendIsBestEffort(t *testing.T) {
	r := &recorder{err: errors.New("down")}
	Send(context.Background(), r, log.Discard(), Notice{Kind: Question})
	require.Len(t, r.got, 1)
	assert.False(t, r.got[0].At.IsZero())

	Send(context.Background(), nil, log.Discard(), Notice{})
}

func TestConnectRedisRejectsBadURL(t *testing.T) {
	_, err := ConnectRedis("not-a-url://")
	assert.Error(t, err)

	c, err := ConnectRedis("redis://localhost:6379/0")
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}
