package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec() *Codec {
	return NewCodec(testSecret, 24*time.Hour, 7*24*time.Hour, time.Hour)
}

func testRecord(now time.Time) Record {
	return Record{
		AccessToken:    "access-token",
		RefreshToken:   "refresh-token",
		Subject:        "42",
		UserID:         42,
		Email:          "jo@example.com",
		Scope:          "openid profile",
		IssuedAt:       now,
		LastActivity:   now,
		TokenExpiresAt: now.Add(time.Hour),
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	codec := newTestCodec()
	now := time.Now().UTC()

	encoded, err := codec.Encode(testRecord(now))
	require.NoError(t, err)

	decoded := codec.Decode(encoded)
	require.NotNil(t, decoded)
	require.Equal(t, int64(42), decoded.UserID)
	require.Equal(t, "access-token", decoded.AccessToken)
	require.Equal(t, "openid profile", decoded.Scope)
}

func TestDecodeRejectsTampering(t *testing.T) {
	codec := newTestCodec()
	encoded, err := codec.Encode(testRecord(time.Now().UTC()))
	require.NoError(t, err)

	parts := strings.Split(encoded, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	require.Nil(t, codec.Decode(tampered))
}

func TestDecodeRejectsWrongSecret(t *testing.T) {
	codec := newTestCodec()
	encoded, err := codec.Encode(testRecord(time.Now().UTC()))
	require.NoError(t, err)

	other := NewCodec([]byte("ffffffffffffffffffffffffffffffff"), 24*time.Hour, 7*24*time.Hour, time.Hour)
	require.Nil(t, other.Decode(encoded))
}

func TestAbsoluteExpiryEndsSession(t *testing.T) {
	codec := newTestCodec()
	start := time.Now().UTC()

	// Activity keeps sliding, but the session started past the absolute cap.
	rec := testRecord(start.Add(-8 * 24 * time.Hour))
	rec.LastActivity = start.Add(-time.Minute)

	// Sign with a clock at issue time so the envelope itself is still valid.
	codec.now = func() time.Time { return start.Add(-time.Hour) }
	encoded, err := codec.Encode(rec)
	require.NoError(t, err)

	codec.now = func() time.Time { return start }
	require.Nil(t, codec.Decode(encoded))
}

func TestRollingExpiryEndsIdleSession(t *testing.T) {
	codec := newTestCodec()
	start := time.Now().UTC()

	// Issued recently, but idle for longer than the rolling window.
	rec := testRecord(start.Add(-3 * time.Hour))
	rec.LastActivity = start.Add(-2 * time.Hour)

	codec.now = func() time.Time { return start.Add(-2 * time.Hour) }
	encoded, err := codec.Encode(rec)
	require.NoError(t, err)

	codec.now = func() time.Time { return start }
	require.Nil(t, codec.Decode(encoded))
}

func TestTouchSlidesRollingWindow(t *testing.T) {
	codec := newTestCodec()
	start := time.Now().UTC()

	rec := testRecord(start.Add(-3 * time.Hour))
	rec.LastActivity = start.Add(-50 * time.Minute)

	codec.now = func() time.Time { return start }
	codec.Touch(&rec)
	require.Equal(t, start, rec.LastActivity)

	encoded, err := codec.Encode(rec)
	require.NoError(t, err)

	// Without the touch this session would have idled out at start+20m;
	// the slid window keeps it alive.
	codec.now = func() time.Time { return start.Add(30 * time.Minute) }
	require.NotNil(t, codec.Decode(encoded))
}

func TestExpiredAndTamperedAreIndistinguishable(t *testing.T) {
	codec := newTestCodec()
	start := time.Now().UTC()

	rec := testRecord(start.Add(-8 * 24 * time.Hour))
	codec.now = func() time.Time { return start.Add(-8 * 24 * time.Hour) }
	encoded, err := codec.Encode(rec)
	require.NoError(t, err)
	codec.now = func() time.Time { return start }

	expired := codec.Decode(encoded)
	tampered := codec.Decode(encoded + "x")
	require.Nil(t, expired)
	require.Nil(t, tampered)
}
