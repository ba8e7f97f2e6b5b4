package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	inputs  [][]*schema.Message
	reply   string
	chunks  []string
	failAt  int
	failErr error
}

func (f *fakeChatModel) record(input []*schema.Message) {
	cloned := make([]*schema.Message, len(input))
	copy(cloned, input)
	f.inputs = append(f.inputs, cloned)
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.record(input)
	if f.failErr != nil && f.failAt < 0 {
		return nil, f.failErr
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.record(input)
	sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	go func() {
		defer sw.Close()
		for i, c := range f.chunks {
			if f.failErr != nil && i == f.failAt {
				sw.Send(nil, f.failErr)
				return
			}
			sw.Send(schema.AssistantMessage(c, nil), nil)
		}
	}()
	return sr, nil
}

func TestEinoChatKeepsHistory(t *testing.T) {
	fake := &fakeChatModel{reply: "Start with limits.", failAt: -1}
	session, err := NewEinoOpener(fake).OpenChat(context.Background(), "be a tutor")
	require.NoError(t, err)

	reply, err := session.Send(context.Background(), "overview please")
	require.NoError(t, err)
	assert.Equal(t, "Start with limits.", reply)

	fake.chunks = []string{"Hel", "lo"}
	var parts []string
	for frag, err := range session.SendStream(context.Background(), "next") {
		require.NoError(t, err)
		parts = append(parts, frag)
	}
	assert.Equal(t, []string{"Hel", "lo"}, parts)

	require.Len(t, fake.inputs, 2)
	first := fake.inputs[0]
	require.Len(t, first, 2)
	assert.Equal(t, schema.System, first[0].Role)
	assert.Equal(t, "be a tutor", first[0].Content)
	assert.Equal(t, schema.User, first[1].Role)

	second := fake.inputs[1]
	require.Len(t, second, 4)
	assert.Equal(t, schema.Assistant, second[2].Role)
	assert.Equal(t, "Start with limits.", second[2].Content)
	assert.Equal(t, "next", second[3].Content)

	chat := session.(*einoChat)
	require.Len(t, chat.history, 5)
	assert.Equal(t, "Hello", chat.history[4].Content)
}

func TestEinoChatStreamFailureSkipsHistory(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Hel", "lo"}, failAt: 1, failErr: errors.New("connection reset")}
	session, err := NewEinoOpener(fake).OpenChat(context.Background(), "sys")
	require.NoError(t, err)

	var (
		parts   []string
		lastErr error
	)
	for frag, err := range session.SendStream(context.Background(), "hi") {
		if err != nil {
			lastErr = err
			break
		}
		parts = append(parts, frag)
	}
	assert.Equal(t, []string{"Hel"}, parts)
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "connection reset")
	assert.Len(t, session.(*einoChat).history, 1)
}

func TestEinoChatGenerateFailure(t *testing.T) {
	fake := &fakeChatModel{failAt: -1, failErr: errors.New("unauthorized")}
	session, err := NewEinoOpener(fake).OpenChat(context.Background(), "sys")
	require.NoError(t, err)

	_, err = session.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Len(t, session.(*einoChat).history, 1)
}

func TestEinoOpenerRequiresModel(t *testing.T) {
	_, err := NewEinoOpener(nil).OpenChat(context.Background(), "sys")
	assert.Error(t, err)
}
