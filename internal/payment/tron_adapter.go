package payment

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	tronTransferSelector = "transfer(address,uint256)"
	// 100 TRX, the usual ceiling for a TRC-20 transfer
	tronDefaultFeeLimit = 100_000_000
	// keccak256("Transfer(address,address,uint256)"), shared with ERC-20
	tronTransferTopic = "ddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

var tronTxIDPattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// TronAdapter transfers TRC-20 tokens through TronGrid
type TronAdapter struct {
	network  NetworkDescriptor
	client   *TronClient
	signers  *SignerRegistry
	feeLimit int64
}

func NewTronAdapter(network NetworkDescriptor, client *TronClient, signers *SignerRegistry) *TronAdapter {
	return &TronAdapter{network: network, client: client, signers: signers, feeLimit: tronDefaultFeeLimit}
}

func (a *TronAdapter) Family() ProtocolFamily {
	return FamilyTRON
}

type tronReturn struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tronTriggerResponse struct {
	Result      tronReturn                 `json:"result"`
	Transaction map[string]json.RawMessage `json:"transaction"`
}

type tronBroadcastResponse struct {
	tronReturn
	TxID string `json:"txid"`
}

type tronTxInfo struct {
	ID          string `json:"id"`
	BlockNumber uint64 `json:"blockNumber"`
	Result      string `json:"result"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
	Log []tronEventLog `json:"log"`
}

// tronEventLog carries 20 byte accounts as hex without the 0x41 prefix
type tronEventLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

type tronNowBlock struct {
	BlockHeader struct {
		RawData struct {
			Number uint64 `json:"number"`
		} `json:"raw_data"`
	} `json:"block_header"`
}

func (a *TronAdapter) Transfer(ctx context.Context, from, to, assetContract string, amount *big.Int) (TxRef, error) {
	if err := requirePositive(amount); err != nil {
		return "", err
	}
	if amount.BitLen() > 256 {
		return "", fmt.Errorf("%w: amount does not fit uint256", ErrValidation)
	}

	fromHex, err := TronAddressToHex(from)
	if err != nil {
		return "", err
	}
	toHex, err := TronAddressToHex(to)
	if err != nil {
		return "", err
	}
	contractHex, err := TronAddressToHex(assetContract)
	if err != nil {
		return "", err
	}

	signer, err := a.signers.Tron(from)
	if err != nil {
		return "", err
	}

	// ABI parameters use the 20 byte account without the 0x41 prefix
	toAccount, _ := hex.DecodeString(toHex[2:])
	parameter := hex.EncodeToString(common.LeftPadBytes(toAccount, 32)) +
		hex.EncodeToString(common.LeftPadBytes(amount.Bytes(), 32))

	var trigger tronTriggerResponse
	err = a.client.Post(ctx, "/wallet/triggersmartcontract", map[string]interface{}{
		"owner_address":     fromHex,
		"contract_address":  contractHex,
		"function_selector": tronTransferSelector,
		"parameter":         parameter,
		"fee_limit":         a.feeLimit,
		"call_value":        0,
	}, &trigger)
	if err != nil {
		return "", err
	}
	if !trigger.Result.Result || trigger.Transaction == nil {
		return "", fmt.Errorf("%w: triggersmartcontract: %s %s", ErrSubmissionFailed, trigger.Result.Code, decodeTronMessage(trigger.Result.Message))
	}

	var txID string
	if err := json.Unmarshal(trigger.Transaction["txID"], &txID); err != nil || !tronTxIDPattern.MatchString(txID) {
		return "", fmt.Errorf("%w: triggersmartcontract returned no txID", ErrSubmissionFailed)
	}
	txIDBytes, _ := hex.DecodeString(txID)

	signature, err := signer.Sign(ctx, txIDBytes)
	if err != nil {
		return "", fmt.Errorf("%w: signer refused transaction: %v", ErrSubmissionFailed, err)
	}
	sigJSON, _ := json.Marshal([]string{hex.EncodeToString(signature)})
	trigger.Transaction["signature"] = sigJSON

	var broadcast tronBroadcastResponse
	if err := a.client.Post(ctx, "/wallet/broadcasttransaction", trigger.Transaction, &broadcast); err != nil {
		return "", err
	}
	if !broadcast.Result {
		return "", fmt.Errorf("%w: broadcast: %s %s", ErrSubmissionFailed, broadcast.Code, decodeTronMessage(broadcast.Message))
	}

	return TxRef(txID), nil
}

func (a *TronAdapter) QueryFinality(ctx context.Context, ref TxRef) (Finality, error) {
	if !tronTxIDPattern.MatchString(string(ref)) {
		return FinalityPending, fmt.Errorf("%w: invalid TRON transaction id %q", ErrValidation, ref)
	}

	var info tronTxInfo
	if err := a.client.Post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": string(ref)}, &info); err != nil {
		return FinalityPending, err
	}

	// An empty object means the transaction is not in a block yet
	if info.ID == "" {
		return FinalityPending, nil
	}
	if info.Result == "FAILED" {
		return FinalityFailed, nil
	}
	// TRX transfers carry no receipt result, contract calls must report SUCCESS
	if info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS" {
		return FinalityFailed, nil
	}

	var head tronNowBlock
	if err := a.client.Post(ctx, "/wallet/getnowblock", map[string]string{}, &head); err != nil {
		return FinalityPending, err
	}

	if confirmations(head.BlockHeader.RawData.Number, info.BlockNumber) < requiredConfirmations(a.network) {
		return FinalityPending, nil
	}
	return FinalitySuccess, nil
}

// CreditedAmount sums the TRC-20 Transfer events the token contract emitted
// towards recipient, as listed by gettransactioninfobyid
func (a *TronAdapter) CreditedAmount(ctx context.Context, ref TxRef, recipient, assetContract string) (*big.Int, error) {
	if !tronTxIDPattern.MatchString(string(ref)) {
		return nil, fmt.Errorf("%w: invalid TRON transaction id %q", ErrValidation, ref)
	}
	recipientHex, err := TronAddressToHex(recipient)
	if err != nil {
		return nil, err
	}
	contractHex, err := TronAddressToHex(assetContract)
	if err != nil {
		return nil, err
	}

	var info tronTxInfo
	if err := a.client.Post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": string(ref)}, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("%w: %s transaction %s not indexed yet", ErrNetworkUnavailable, a.network.ID, ref)
	}

	total := new(big.Int)
	for _, l := range info.Log {
		if len(l.Topics) != 3 || !strings.EqualFold(l.Topics[0], tronTransferTopic) {
			continue
		}
		if !strings.EqualFold(tronAccountHex(l.Address), contractHex[2:]) ||
			!strings.EqualFold(tronAccountHex(l.Topics[2]), recipientHex[2:]) {
			continue
		}
		value, ok := new(big.Int).SetString(l.Data, 16)
		if !ok {
			return nil, fmt.Errorf("%w: unreadable Transfer amount %q in %s", ErrVerificationFailed, l.Data, ref)
		}
		total.Add(total, value)
	}
	return total, nil
}

func (a *TronAdapter) BlockExplorerURL(ref TxRef) string {
	return strings.TrimRight(a.network.ExplorerURL, "/") + "/#/transaction/" + string(ref)
}

// tronAccountHex keeps the trailing 20 bytes of a hex account, topic or
// prefixed address
func tronAccountHex(s string) string {
	if len(s) < 40 {
		return s
	}
	return s[len(s)-40:]
}

// decodeTronMessage turns the hex encoded error messages TronGrid returns into text
func decodeTronMessage(msg string) string {
	if raw, err := hex.DecodeString(msg); err == nil && len(raw) > 0 {
		return string(raw)
	}
	return msg
}
