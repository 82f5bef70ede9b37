package fhe

import (
	"context"
	"crypto/ecdh"
	"encoding/hex"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Provider is the process-wide encryption provider. The engine is built lazily
// on first use and shared by every caller.
type Provider struct {
	cfg    engineConfig
	logger *zap.Logger

	group     singleflight.Group
	engine    atomic.Pointer[Engine]
	ready     chan struct{}
	readyOnce sync.Once

	// setup builds the engine; replaced in tests.
	setup func(ctx context.Context) (*Engine, error)
}

var _ types.EncryptionProvider = (*Provider)(nil)

type Option func(*Provider)

// WithEncryptionKey seals every ciphertext to key, so separate processes
// sharing it can decrypt each other's values.
func WithEncryptionKey(key *ecdh.PrivateKey) Option {
	return func(p *Provider) {
		p.cfg.key = key
	}
}

// WithProvingKeys loads Groth16 keys from disk instead of running a local setup.
func WithProvingKeys(pkPath, vkPath string) Option {
	return func(p *Provider) {
		p.cfg.pkPath = pkPath
		p.cfg.vkPath = vkPath
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

func NewProvider(opts ...Option) *Provider {
	p := &Provider{ready: make(chan struct{})}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger, "fhe")
	p.setup = func(context.Context) (*Engine, error) {
		return newEngine(p.cfg)
	}
	return p
}

// ParseEncryptionKey parses a hex encoded P-256 private scalar.
func ParseEncryptionKey(s string) (*ecdh.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "decode encryption key")
	}
	key, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse encryption key")
	}
	return key, nil
}

// Initialize builds the engine once. Concurrent callers share one attempt;
// a failed attempt is not remembered, so the next call tries again.
func (p *Provider) Initialize(ctx context.Context) (*Engine, error) {
	if e := p.engine.Load(); e != nil {
		return e, nil
	}

	ch := p.group.DoChan("engine", func() (any, error) {
		if e := p.engine.Load(); e != nil {
			return e, nil
		}
		start := time.Now()
		// detached so one caller's cancellation does not fail the others
		e, err := p.setup(context.WithoutCancel(ctx))
		if err != nil {
			p.logger.Error("encryption engine initialization failed", zap.Error(err))
			return nil, errors.Wrap(types.ErrInitialization, err.Error())
		}
		p.engine.Store(e)
		p.readyOnce.Do(func() { close(p.ready) })
		p.logger.Info("encryption engine initialized", zap.Duration("took", time.Since(start)))
		return e, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Engine), nil
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

func (p *Provider) Status() types.ProviderStatus {
	return types.ProviderStatus{Initialized: p.engine.Load() != nil}
}

func (p *Provider) Ready() <-chan struct{} { return p.ready }

// EncryptAmount encrypts an ether amount and proves that its wei value lies within bounds.
func (p *Provider) EncryptAmount(ctx context.Context, amount *apd.Decimal, bounds types.Bounds) (types.EncryptedValue, types.RangeProof, error) {
	if err := types.ValidateAmount(amount); err != nil {
		return nil, nil, err
	}
	if err := bounds.Validate(); err != nil {
		return nil, nil, err
	}
	if !fitsField(bounds.Max) {
		return nil, nil, errors.Wrapf(types.ErrInvalidAmount, "bounds max %s exceeds %d bits", bounds.Max, valueBits)
	}
	wei, err := types.ToSmallestUnit(amount)
	if err != nil {
		return nil, nil, err
	}
	if wei.Sign() <= 0 {
		return nil, nil, errors.Wrapf(types.ErrInvalidAmount, "amount %s is below one wei", amount.String())
	}
	if !bounds.Contains(wei) {
		return nil, nil, errors.Wrapf(types.ErrInvalidAmount, "amount %s is outside [%s, %s]",
			amount.String(), types.FormatAmount(bounds.Min), types.FormatAmount(bounds.Max))
	}

	engine, err := p.Initialize(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	return engine.encrypt(wei, bounds)
}

// EncryptStartingPrice encrypts an auction's starting price against the wider starting price bounds.
func (p *Provider) EncryptStartingPrice(ctx context.Context, amount *apd.Decimal) (types.EncryptedValue, types.RangeProof, error) {
	return p.EncryptAmount(ctx, amount, types.StartingPriceBounds())
}

// BatchEncrypt encrypts every amount against the same bounds. Results keep
// the input order; the first failure cancels the rest.
func (p *Provider) BatchEncrypt(ctx context.Context, amounts []*apd.Decimal, bounds types.Bounds) ([]types.EncryptedValue, []types.RangeProof, error) {
	values := make([]types.EncryptedValue, len(amounts))
	proofs := make([]types.RangeProof, len(amounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, amount := range amounts {
		g.Go(func() error {
			v, proof, err := p.EncryptAmount(gctx, amount, bounds)
			if err != nil {
				return errors.Wrapf(err, "amount %d", i)
			}
			values[i], proofs[i] = v, proof
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return values, proofs, nil
}

// DecryptValue returns the ether amount held by e.
func (p *Provider) DecryptValue(ctx context.Context, e types.EncryptedValue) (*apd.Decimal, error) {
	engine, err := p.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	wei, err := engine.decrypt(e)
	if err != nil {
		return nil, err
	}
	return types.FromSmallestUnit(wei), nil
}

// VerifyRangeProof reports whether proof shows that e lies within bounds.
func (p *Provider) VerifyRangeProof(ctx context.Context, e types.EncryptedValue, proof types.RangeProof, bounds types.Bounds) (bool, error) {
	engine, err := p.Initialize(ctx)
	if err != nil {
		return false, err
	}
	return engine.verify(e, proof, bounds)
}

// ValidateEncryptedValue checks the envelope structure without any key.
func ValidateEncryptedValue(e types.EncryptedValue) bool {
	_, err := parseEnvelope(e)
	return err == nil
}
