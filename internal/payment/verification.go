package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/metrics"
)

// VerificationService turns an adapter's finality answer into a settlement
// decision. I/O trouble is never reported as a failed payment.
type VerificationService struct {
	adapters *AdapterSet
	recorder metrics.Recorder
	logger   Logger
}

func NewVerificationService(adapters *AdapterSet, recorder metrics.Recorder, logger Logger) *VerificationService {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &VerificationService{adapters: adapters, recorder: recorder, logger: logger}
}

// Verify asks the network's adapter whether ref is final. Transient adapter
// errors are logged and reported as NotYetFinal.
func (v *VerificationService) Verify(ctx context.Context, networkID string, ref TxRef) (VerificationResult, error) {
	_, adapter, err := v.adapters.Resolve(networkID)
	if err != nil {
		return NotYetFinal, err
	}

	start := time.Now()
	finality, err := adapter.QueryFinality(ctx, ref)
	metrics.Since(v.recorder, "query_finality", start, map[string]string{"network": networkID})

	result := NotYetFinal
	if err != nil {
		if !isTransient(err) {
			v.count(networkID, "error")
			return NotYetFinal, err
		}
		v.logger.Warn(fmt.Sprintf("Finality check for %s on %s failed, treating as not final: %v", ref, networkID, err), "verification")
	} else {
		switch finality {
		case FinalitySuccess:
			result = Verified
		case FinalityFailed:
			result = VerificationFailed
		}
	}

	v.count(networkID, result.String())
	return result, nil
}

// CheckTransfer reads back what ref credited to the network's treasury and
// returns a mismatch reason when it falls short of amount. Rails that cannot
// be inspected always pass. Lookup trouble is reported as ErrNotYetFinal.
func (v *VerificationService) CheckTransfer(ctx context.Context, networkID string, ref TxRef, amount *big.Int) (string, error) {
	descriptor, adapter, err := v.adapters.Resolve(networkID)
	if err != nil {
		return "", err
	}
	inspector, ok := adapter.(TransferInspector)
	if !ok {
		return "", nil
	}

	credited, err := inspector.CreditedAmount(ctx, ref, descriptor.Recipient, descriptor.AssetContract)
	switch {
	case errors.Is(err, ErrVerificationFailed):
		v.count(networkID, "mismatch")
		return err.Error(), nil
	case err != nil && isTransient(err):
		v.logger.Warn(fmt.Sprintf("Reading transfer %s on %s failed, treating as not final: %v", ref, networkID, err), "verification")
		return "", fmt.Errorf("%w: transfer %s on %s is not readable yet", ErrNotYetFinal, ref, networkID)
	case err != nil:
		return "", err
	}

	if credited.Cmp(amount) < 0 {
		v.count(networkID, "mismatch")
		return fmt.Sprintf("transaction %s credited %s base units of %s to %s, expected %s",
			ref, credited, descriptor.AssetContract, descriptor.Recipient, amount), nil
	}
	return "", nil
}

// AwaitFinality polls Verify every interval until the answer is final or
// ctx ends
func (v *VerificationService) AwaitFinality(ctx context.Context, networkID string, ref TxRef, interval time.Duration) (VerificationResult, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := v.Verify(ctx, networkID, ref)
		if err != nil || result != NotYetFinal {
			return result, err
		}

		select {
		case <-ctx.Done():
			return NotYetFinal, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *VerificationService) count(networkID, result string) {
	v.recorder.IncCounter("verification", map[string]string{"network": networkID, "result": result})
}
