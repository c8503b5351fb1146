package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spboyer/agentsphere/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const validCheck = `{"correct":true,"feedback":"","commit_message":"add parser"}`

func newTestClient(p Provider, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithRetryBackoff(0), WithModel("test-model")}, opts...)
	return NewClient(p, opts...)
}

func TestComplete_WithoutSchemaReturnsRawContent(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Complete(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *Request) (string, error) {
			assert.Equal(t, "test-model", req.Model)
			assert.Nil(t, req.Schema)
			return "just text, not json", nil
		})

	out, err := newTestClient(provider).Complete(context.Background(), []models.Message{models.UserMessage("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "just text, not json", out)
}

func TestCall_DecodesValidOutput(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(validCheck, nil)

	check, err := Call[models.Check](context.Background(), newTestClient(provider), []models.Message{models.UserMessage("verify")})
	require.NoError(t, err)
	assert.True(t, check.Correct)
	assert.Equal(t, "add parser", check.CommitMessage)
}

func TestCall_StripsCodeFence(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Complete(gomock.Any(), gomock.Any()).Return("```json\n"+validCheck+"\n```", nil)

	check, err := Call[models.Check](context.Background(), newTestClient(provider), nil)
	require.NoError(t, err)
	assert.True(t, check.Correct)
}

func TestCall_CorrectiveRetryAppendsExchange(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	history := []models.Message{models.SystemMessage("sys"), models.UserMessage("verify")}

	gomock.InOrder(
		provider.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(`{"correct": "yes"}`, nil),
		provider.EXPECT().Complete(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *Request) (string, error) {
				require.Len(t, req.Messages, 4)
				assert.Equal(t, models.RoleAssistant, req.Messages[2].Role)
				assert.Contains(t, req.Messages[2].Content, "The output format is not correct")
				assert.Equal(t, models.RoleUser, req.Messages[3].Role)
				assert.Contains(t, req.Messages[3].Content, `{"correct": "yes"}`)
				return validCheck, nil
			}),
	)

	check, err := Call[models.Check](context.Background(), newTestClient(provider), history)
	require.NoError(t, err)
	assert.True(t, check.Correct)
	assert.Len(t, history, 2, "caller history must not grow")
}

func TestCall_ExhaustedRetriesFail(t *testing.T) {
	const maxRetries = 2
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Complete(gomock.Any(), gomock.Any()).Return("not json", nil).Times(maxRetries + 1)

	_, err := Call[models.Check](context.Background(), newTestClient(provider, WithMaxRetries(maxRetries)), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaValidation)
}

func TestCall_ZeroRetriesFailsOnFirstInvalidReply(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Complete(gomock.Any(), gomock.Any()).Return("{}", nil).Times(1)

	_, err := Call[models.Check](context.Background(), newTestClient(provider, WithMaxRetries(0)), nil)
	assert.ErrorIs(t, err, ErrSchemaValidation)
}

func TestComplete_TransientErrorThenSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	gomock.InOrder(
		provider.EXPECT().Complete(gomock.Any(), gomock.Any()).Return("", fmt.Errorf("%w: 429", ErrTransient)),
		provider.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(validCheck, nil),
	)

	check, err := Call[models.Check](context.Background(), newTestClient(provider), nil)
	require.NoError(t, err)
	assert.True(t, check.Correct)
}

func TestComplete_TransientErrorsExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Complete(gomock.Any(), gomock.Any()).
		Return("", fmt.Errorf("%w: 503", ErrTransient)).Times(DefaultMaxRetries + 1)

	_, err := newTestClient(provider).Complete(context.Background(), nil, SchemaFor[models.Check]())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestComplete_MalformedResponseIsNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Complete(gomock.Any(), gomock.Any()).
		Return("", fmt.Errorf("%w: no choices", ErrMalformedResponse)).Times(1)

	_, err := newTestClient(provider).Complete(context.Background(), nil, SchemaFor[models.Check]())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestComplete_PermanentErrorIsNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().Complete(gomock.Any(), gomock.Any()).Return("", errors.New("401 unauthorized")).Times(1)

	_, err := newTestClient(provider).Complete(context.Background(), nil, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransient)
}

func TestComplete_CancelledDuringBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	provider.EXPECT().Complete(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *Request) (string, error) {
			cancel()
			return "", fmt.Errorf("%w: 429", ErrTransient)
		})

	client := NewClient(provider, WithRetryBackoff(time.Hour))
	_, err := client.Complete(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), ProviderConfig{Name: ProviderOpenAI})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, p)

	_, err = NewProvider(context.Background(), ProviderConfig{Name: ProviderGemini})
	assert.ErrorContains(t, err, "API key is required")

	_, err = NewProvider(context.Background(), ProviderConfig{Name: "bard"})
	assert.ErrorContains(t, err, "unknown llm provider")
}
