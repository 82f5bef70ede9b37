package fhe

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	sharedOnce     sync.Once
	sharedProvider *Provider
	sharedErr      error
)

// testProvider returns one initialized provider per test binary; setup is slow.
func testProvider(t *testing.T) *Provider {
	t.Helper()
	sharedOnce.Do(func() {
		sharedProvider = NewProvider(WithLogger(zap.NewNop()))
		_, sharedErr = sharedProvider.Initialize(context.Background())
	})
	require.NoError(t, sharedErr)
	return sharedProvider
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	e, proof, err := p.EncryptAmount(ctx, types.MustParseAmount("2.5"), types.BidBounds())
	require.NoError(t, err)
	assert.Len(t, e, envelopeLen)
	assert.True(t, ValidateEncryptedValue(e))

	got, err := p.DecryptValue(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "2.5", got.Text('f'))

	ok, err := p.VerifyRangeProof(ctx, e, proof, types.BidBounds())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	a, _, err := p.EncryptAmount(ctx, types.MustParseAmount("1"), types.BidBounds())
	require.NoError(t, err)
	b, _, err := p.EncryptAmount(ctx, types.MustParseAmount("1"), types.BidBounds())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptAmount_InvalidInput(t *testing.T) {
	p := NewProvider(WithLogger(zap.NewNop()))
	p.setup = func(context.Context) (*Engine, error) {
		t.Fatal("invalid input must be rejected before the engine is built")
		return nil, nil
	}
	ctx := context.Background()

	tests := []struct {
		name   string
		amount *apd.Decimal
		bounds types.Bounds
	}{
		{"zero", types.MustParseAmount("0"), types.BidBounds()},
		{"negative", types.MustParseAmount("-3"), types.BidBounds()},
		{"nan", &apd.Decimal{Form: apd.NaN}, types.BidBounds()},
		{"below one wei", types.MustParseAmount("0.0000000000000000001"), types.BidBounds()},
		{"above max bid", types.MustParseAmount("1000.000000000000000001"), types.BidBounds()},
		{"below min", types.MustParseAmount("1"), types.Bounds{Min: types.MaxBid, Max: types.MaxBid}},
		{"inverted bounds", types.MustParseAmount("1"), types.Bounds{Min: big.NewInt(2), Max: big.NewInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := p.EncryptAmount(ctx, tt.amount, tt.bounds)
			assert.True(t, errors.Is(err, types.ErrInvalidAmount), "got %v", err)
		})
	}
	assert.False(t, p.Status().Initialized)
}

func TestEncryptAmount_BoundaryValues(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	e, proof, err := p.EncryptAmount(ctx, types.MustParseAmount("1000"), types.BidBounds())
	require.NoError(t, err)
	ok, err := p.VerifyRangeProof(ctx, e, proof, types.BidBounds())
	require.NoError(t, err)
	assert.True(t, ok)

	e, proof, err = p.EncryptStartingPrice(ctx, types.MustParseAmount("9999.5"))
	require.NoError(t, err)
	ok, err = p.VerifyRangeProof(ctx, e, proof, types.StartingPriceBounds())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRangeProof_Rejections(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	e, proof, err := p.EncryptAmount(ctx, types.MustParseAmount("3"), types.BidBounds())
	require.NoError(t, err)
	other, otherProof, err := p.EncryptAmount(ctx, types.MustParseAmount("3"), types.BidBounds())
	require.NoError(t, err)

	t.Run("other bounds", func(t *testing.T) {
		ok, err := p.VerifyRangeProof(ctx, e, proof, types.StartingPriceBounds())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("proof of another ciphertext", func(t *testing.T) {
		ok, err := p.VerifyRangeProof(ctx, e, otherProof, types.BidBounds())
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = p.VerifyRangeProof(ctx, other, proof, types.BidBounds())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("tampered proof body", func(t *testing.T) {
		tampered := append(types.RangeProof(nil), proof...)
		tampered[proofHeaderLen+5] ^= 0x01
		ok, err := p.VerifyRangeProof(ctx, e, tampered, types.BidBounds())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("tampered header binding", func(t *testing.T) {
		tampered := append(types.RangeProof(nil), proof...)
		tampered[proofHeaderLen-1] ^= 0x01
		ok, err := p.VerifyRangeProof(ctx, e, tampered, types.BidBounds())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("truncated proof", func(t *testing.T) {
		ok, err := p.VerifyRangeProof(ctx, e, proof[:proofHeaderLen+10], types.BidBounds())
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = p.VerifyRangeProof(ctx, e, nil, types.BidBounds())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed ciphertext", func(t *testing.T) {
		_, err := p.VerifyRangeProof(ctx, e[:10], proof, types.BidBounds())
		assert.True(t, errors.Is(err, types.ErrDecryption))
	})
}

func TestDecryptValue_Failures(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	e, _, err := p.EncryptAmount(ctx, types.MustParseAmount("7"), types.BidBounds())
	require.NoError(t, err)

	t.Run("malformed", func(t *testing.T) {
		_, err := p.DecryptValue(ctx, types.EncryptedValue{0x01, 0x02})
		assert.True(t, errors.Is(err, types.ErrDecryption))
	})

	t.Run("flipped sealed byte", func(t *testing.T) {
		tampered := append(types.EncryptedValue(nil), e...)
		tampered[len(tampered)-1] ^= 0x01
		_, err := p.DecryptValue(ctx, tampered)
		assert.True(t, errors.Is(err, types.ErrDecryption))
	})

	t.Run("another engine", func(t *testing.T) {
		engine, err := p.Initialize(ctx)
		require.NoError(t, err)
		otherKey, err := ecdh.P256().GenerateKey(rand.Reader)
		require.NoError(t, err)
		other := &Engine{key: otherKey, ccs: engine.ccs, pk: engine.pk, vk: engine.vk}

		_, err = other.decrypt(e)
		assert.True(t, errors.Is(err, types.ErrDecryption))
	})
}

func TestInitialize_SingleFlight(t *testing.T) {
	p := NewProvider(WithLogger(zap.NewNop()))
	var calls atomic.Int32
	release := make(chan struct{})
	p.setup = func(context.Context) (*Engine, error) {
		calls.Add(1)
		<-release
		return &Engine{}, nil
	}

	const callers = 8
	engines := make([]*Engine, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := p.Initialize(context.Background())
			assert.NoError(t, err)
			engines[i] = e
		}()
	}

	assert.False(t, p.Status().Initialized)
	// let every caller join the in-flight attempt
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
	assert.True(t, p.Status().Initialized)
	select {
	case <-p.Ready():
	default:
		t.Fatal("ready channel must be closed after initialization")
	}
}

func TestInitialize_FailureIsNotCached(t *testing.T) {
	p := NewProvider(WithLogger(zap.NewNop()))
	attempts := 0
	p.setup = func(context.Context) (*Engine, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("setup exploded")
		}
		return &Engine{}, nil
	}

	_, err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInitialization))
	assert.False(t, p.Status().Initialized)

	_, err = p.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.True(t, p.Status().Initialized)
}

func TestInitialize_ContextCancelled(t *testing.T) {
	p := NewProvider(WithLogger(zap.NewNop()))
	release := make(chan struct{})
	defer close(release)
	p.setup = func(context.Context) (*Engine, error) {
		<-release
		return &Engine{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Initialize(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBatchEncrypt(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	amounts := []*apd.Decimal{types.MustParseAmount("1"), types.MustParseAmount("2"), types.MustParseAmount("3")}
	values, proofs, err := p.BatchEncrypt(ctx, amounts, types.BidBounds())
	require.NoError(t, err)
	require.Len(t, values, 3)
	require.Len(t, proofs, 3)

	for i, v := range values {
		got, err := p.DecryptValue(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, amounts[i].Text('f'), got.Text('f'))
	}

	amounts = append(amounts, types.MustParseAmount("0"))
	_, _, err = p.BatchEncrypt(ctx, amounts, types.BidBounds())
	assert.True(t, errors.Is(err, types.ErrInvalidAmount))
}

func TestExportedKeysVerifyAcrossProcesses(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()
	engine, err := p.Initialize(ctx)
	require.NoError(t, err)

	dir := t.TempDir()
	pkPath, vkPath := filepath.Join(dir, "range.pk"), filepath.Join(dir, "range.vk")
	require.NoError(t, engine.ExportKeys(pkPath, vkPath))

	loaded := NewProvider(WithLogger(zap.NewNop()), WithProvingKeys(pkPath, vkPath), WithEncryptionKey(engine.key))
	e, proof, err := loaded.EncryptAmount(ctx, types.MustParseAmount("4.25"), types.BidBounds())
	require.NoError(t, err)

	ok, err := p.VerifyRangeProof(ctx, e, proof, types.BidBounds())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := p.DecryptValue(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "4.25", got.Text('f'))

	missing := NewProvider(WithLogger(zap.NewNop()), WithProvingKeys(filepath.Join(dir, "nope.pk"), vkPath))
	_, err = missing.Initialize(ctx)
	assert.True(t, errors.Is(err, types.ErrInitialization))
}

func TestParseEncryptionKey(t *testing.T) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	parsed, err := ParseEncryptionKey("0x" + hex.EncodeToString(key.Bytes()))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(key))

	_, err = ParseEncryptionKey("zz")
	assert.Error(t, err)
}

func FuzzParseEnvelope(f *testing.F) {
	f.Add([]byte{})
	f.Add(make([]byte, envelopeLen))
	valid := make([]byte, envelopeLen)
	valid[0] = envelopeVersion
	f.Add(valid)

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := parseEnvelope(data)
		if err != nil {
			assert.Nil(t, env)
			return
		}
		assert.Len(t, env.raw, envelopeLen)
		assert.True(t, ValidateEncryptedValue(data))
	})
}
