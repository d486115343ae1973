package webhook

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrgate/internal/webhook/mocks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHooksRegister(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().LookupIPAddr(gomock.Any(), "hooks.example.com").Return(ipAddrs("93.184.216.34"), nil).AnyTimes()
	guard, err := NewGuard(GuardConfig{}, resolver)
	require.NoError(t, err)
	h := NewHooks(newSQLiteTestStore(t), guard, discardLogger())
	ctx := context.Background()

	t.Run("generated secret and default events", func(t *testing.T) {
		reg, err := h.Register(ctx, "acme", "https://hooks.example.com/ocr", nil, "")
		require.NoError(t, err)
		assert.NotEmpty(t, reg.ID)
		assert.True(t, strings.HasPrefix(reg.Secret, "whsec_"))
		assert.Len(t, reg.Secret, len("whsec_")+64)
		assert.Equal(t, []string{EventJobCompleted, EventJobFailed}, reg.Events)
	})

	t.Run("caller secret and explicit events", func(t *testing.T) {
		reg, err := h.Register(ctx, "acme", "https://hooks.example.com/ocr", []string{"job.failed", "job.failed"}, "caller-secret-0123456789")
		require.NoError(t, err)
		assert.Equal(t, "caller-secret-0123456789", reg.Secret)
		assert.Equal(t, []string{EventJobFailed}, reg.Events)
	})

	t.Run("weak secret", func(t *testing.T) {
		_, err := h.Register(ctx, "acme", "https://hooks.example.com/ocr", nil, "short")
		assert.ErrorIs(t, err, ErrWeakSecret)
	})

	t.Run("unknown event", func(t *testing.T) {
		_, err := h.Register(ctx, "acme", "https://hooks.example.com/ocr", []string{"job.exploded"}, "")
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})

	t.Run("unsafe destination", func(t *testing.T) {
		_, err := h.Register(ctx, "acme", "https://169.254.169.254/latest", nil, "")
		assert.ErrorIs(t, err, ErrUnsafeDestination)
	})

	regs, err := h.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, regs, 2)

	others, err := h.List(ctx, "globex")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestHooksUnresolvableIsUnsafe(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().LookupIPAddr(gomock.Any(), "nxdomain.example.com").Return(nil, &testDNSError{})
	guard, err := NewGuard(GuardConfig{}, resolver)
	require.NoError(t, err)
	h := NewHooks(newSQLiteTestStore(t), guard, discardLogger())

	_, err = h.Register(context.Background(), "acme", "https://nxdomain.example.com/", nil, "")
	assert.ErrorIs(t, err, ErrUnsafeDestination)
}

func TestHooksOwnerScoping(t *testing.T) {
	store := newSQLiteTestStore(t)
	h := NewHooks(store, nil, discardLogger())
	ctx := context.Background()
	seedRegistration(t, store, "wh-1", "acme", t0)

	_, err := h.Deliveries(ctx, "globex", "wh-1", 10)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.Deliveries(ctx, "acme", "missing", 10)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := h.Deliveries(ctx, "acme", "wh-1", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, h.Delete(ctx, "globex", "wh-1"), ErrNotFound)
	require.NoError(t, h.Delete(ctx, "acme", "wh-1"))
}

type testDNSError struct{}

func (*testDNSError) Error() string { return "lookup nxdomain.example.com: no such host" }
