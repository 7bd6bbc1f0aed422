package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"svcbus/client"
	"svcbus/codec"
	"svcbus/message"
	"svcbus/services/calc"
	"svcbus/services/linalg"
)

// RunDemo issues example calls until ctx is done: a sum and a subtraction every
// calcEvery, and three matrix products (valid, invalid, random) every linalgEvery.
// Failures are logged; they never stop the loop.
func (o *Orchestrator) RunDemo(ctx context.Context, calcEvery, linalgEvery time.Duration) {
	calcTicker := time.NewTicker(calcEvery)
	defer calcTicker.Stop()
	linalgTicker := time.NewTicker(linalgEvery)
	defer linalgTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-calcTicker.C:
			a, b := rand.IntN(1000), rand.IntN(1000)
			for _, cmd := range []string{"calculate-sum", "calculate-subtract"} {
				if _, err := o.Calculate(ctx, cmd, a, b); err != nil {
					o.logDemoError(cmd, err)
				}
			}
		case <-linalgTicker.C:
			valid := [2]*codec.Matrix{
				codec.NewMatrix([][]int32{{1, 2, 3}, {4, 5, 6}}),
				codec.NewMatrix([][]int32{{2}, {2}, {2}}),
			}
			invalid := [2]*codec.Matrix{
				codec.NewMatrix([][]int32{{1, 2, 3}, {4, 5, 6}}),
				codec.NewMatrix([][]int32{{2}, {2}, {2}, {2}}),
			}
			k := rand.IntN(4) + 1
			random := [2]*codec.Matrix{
				codec.RandomMatrix(rand.IntN(4)+1, k),
				codec.RandomMatrix(k, rand.IntN(4)+1),
			}
			for _, pair := range [][2]*codec.Matrix{valid, invalid, random} {
				if _, err := o.Matmul(ctx, pair[0], pair[1]); err != nil {
					o.logDemoError("linalg-matmul", err)
				}
			}
		}
	}
}

// Calculate calls a calc command on one registered calc instance and returns the
// numeric result.
func (o *Orchestrator) Calculate(ctx context.Context, command string, a, b int) (int, error) {
	out, err := o.client.Call(ctx, calc.ServiceType, command, message.Bytes(strconv.Itoa(a), strconv.Itoa(b)))
	if err != nil {
		return 0, err
	}
	if len(out) != 2 {
		return 0, fmt.Errorf("%s: expected [language, result], got %d elements", command, len(out))
	}
	result, err := strconv.Atoi(string(out[1]))
	if err != nil {
		return 0, fmt.Errorf("%s: remote response %q is not an integer: %w", command, out[1], err)
	}
	o.logger.Info("remote calculation",
		zap.String("command", command),
		zap.Int("a", a),
		zap.Int("b", b),
		zap.Int("result", result),
		zap.ByteString("language", out[0]))
	return result, nil
}

// Matmul multiplies a by b on one registered linalg instance.
func (o *Orchestrator) Matmul(ctx context.Context, a, b *codec.Matrix) (*codec.Matrix, error) {
	as, ad, err := codec.EncodeMatrix(a)
	if err != nil {
		return nil, err
	}
	bs, bd, err := codec.EncodeMatrix(b)
	if err != nil {
		return nil, err
	}

	out, err := o.client.Call(ctx, linalg.ServiceType, "linalg-matmul", [][]byte{as, ad, bs, bd})
	if err != nil {
		return nil, err
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("linalg-matmul: expected [shape, data], got %d elements", len(out))
	}
	product, err := codec.DecodeMatrix(out[0], out[1])
	if err != nil {
		return nil, fmt.Errorf("linalg-matmul: %w", err)
	}
	o.logger.Info("remote matrix multiplication",
		zap.String("a", a.ShapeString()),
		zap.String("b", b.ShapeString()),
		zap.String("shape", product.ShapeString()),
		zap.Any("result", product.Rows()))
	return product, nil
}

func (o *Orchestrator) logDemoError(command string, err error) {
	if errors.Is(err, client.ErrNoInstances) {
		o.logger.Error("no registered service found", zap.String("command", command))
		return
	}
	o.logger.Error("remote call failed", zap.String("command", command), zap.Error(err))
}
