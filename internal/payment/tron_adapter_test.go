package payment

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testTronTxID = "5a1e5a1e5a1e5a1e5a1e5a1e5a1e5a1e5a1e5a1e5a1e5a1e5a1e5a1e5a1e5a1e"

// fakeTronGrid answers the handful of /wallet endpoints the adapter uses
type fakeTronGrid struct {
	mu sync.Mutex

	triggerResult bool
	broadcastOK   bool
	txInfo        string
	headBlock     uint64
	failFirst     int

	calls     map[string]int
	trigger   map[string]interface{}
	broadcast map[string]json.RawMessage
	apiKey    string
}

func newFakeTronGrid() *fakeTronGrid {
	return &fakeTronGrid{
		triggerResult: true,
		broadcastOK:   true,
		txInfo:        `{}`,
		calls:         make(map[string]int),
	}
}

func (f *fakeTronGrid) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[r.URL.Path]++
	f.apiKey = r.Header.Get("TRON-PRO-API-KEY")

	if f.failFirst > 0 {
		f.failFirst--
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	switch r.URL.Path {
	case "/wallet/triggersmartcontract":
		json.NewDecoder(r.Body).Decode(&f.trigger)
		if !f.triggerResult {
			w.Write([]byte(`{"result":{"code":"CONTRACT_VALIDATE_ERROR","message":"` + hex.EncodeToString([]byte("balance is not sufficient")) + `"}}`))
			return
		}
		w.Write([]byte(`{"result":{"result":true},"transaction":{"txID":"` + testTronTxID + `","raw_data":{"expiration":1},"raw_data_hex":"0a02"}}`))
	case "/wallet/broadcasttransaction":
		json.NewDecoder(r.Body).Decode(&f.broadcast)
		if !f.broadcastOK {
			w.Write([]byte(`{"result":false,"code":"SIGERROR","message":"` + hex.EncodeToString([]byte("validate signature error")) + `"}`))
			return
		}
		w.Write([]byte(`{"result":true,"txid":"` + testTronTxID + `"}`))
	case "/wallet/gettransactioninfobyid":
		w.Write([]byte(f.txInfo))
	case "/wallet/getnowblock":
		w.Write([]byte(`{"block_header":{"raw_data":{"number":` + big.NewInt(int64(f.headBlock)).String() + `}}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func setupTronAdapter(t *testing.T, fake *fakeTronGrid) (*TronAdapter, *KeypairTronSigner, NetworkDescriptor) {
	t.Helper()

	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer := NewKeypairTronSigner(key)
	signers := NewSignerRegistry()
	signers.RegisterTron(signer)

	network := describe(t, testCatalog(t), "tron")
	client := NewTronClient(server.URL, "test-key", HTTPOptions{MaxRetries: 2, RetryBackoff: time.Millisecond}, nopLogger{})
	return NewTronAdapter(network, client, signers), signer, network
}

func TestTronAdapter_Transfer(t *testing.T) {
	fake := newFakeTronGrid()
	adapter, signer, network := setupTronAdapter(t, fake)

	to := TronAddressFromEVM(common.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"))
	ref, err := adapter.Transfer(context.Background(), signer.Address(), to, network.AssetContract, big.NewInt(20_000_000))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if ref != testTronTxID {
		t.Errorf("Expected tx ref %s, got %s", testTronTxID, ref)
	}

	if fake.apiKey != "test-key" {
		t.Errorf("API key header not sent")
	}

	ownerHex, _ := TronAddressToHex(signer.Address())
	if fake.trigger["owner_address"] != ownerHex {
		t.Errorf("owner_address = %v, want %s", fake.trigger["owner_address"], ownerHex)
	}
	if fake.trigger["contract_address"] != "41a614f803b6fd780986a42c78ec9c7f77e6ded13c" {
		t.Errorf("contract_address = %v", fake.trigger["contract_address"])
	}
	if fake.trigger["function_selector"] != "transfer(address,uint256)" {
		t.Errorf("function_selector = %v", fake.trigger["function_selector"])
	}

	param, _ := fake.trigger["parameter"].(string)
	if len(param) != 128 {
		t.Fatalf("Expected 64 byte ABI parameter, got %d hex chars", len(param))
	}
	toHex, _ := TronAddressToHex(to)
	if !strings.HasSuffix(param[:64], toHex[2:]) {
		t.Errorf("Recipient not encoded in parameter: %s", param[:64])
	}
	amount, _ := new(big.Int).SetString(param[64:], 16)
	if amount.Int64() != 20_000_000 {
		t.Errorf("Encoded amount = %s", amount)
	}

	var sigs []string
	if err := json.Unmarshal(fake.broadcast["signature"], &sigs); err != nil || len(sigs) != 1 {
		t.Fatalf("Broadcast carried no signature: %s", fake.broadcast["signature"])
	}
	sig, _ := hex.DecodeString(sigs[0])
	txID, _ := hex.DecodeString(testTronTxID)
	pub, err := crypto.SigToPub(txID, sig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if TronAddressFromEVM(crypto.PubkeyToAddress(*pub)) != signer.Address() {
		t.Errorf("Signature does not recover to the signer")
	}
	if _, ok := fake.broadcast["raw_data_hex"]; !ok {
		t.Errorf("Broadcast must carry the transaction returned by the node")
	}
}

func TestTronAdapter_TransferErrors(t *testing.T) {
	ctx := context.Background()
	to := TronAddressFromEVM(common.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"))

	t.Run("no signer", func(t *testing.T) {
		adapter, _, network := setupTronAdapter(t, newFakeTronGrid())
		_, err := adapter.Transfer(ctx, to, to, network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrSignerUnavailable) {
			t.Errorf("Expected ErrSignerUnavailable, got %v", err)
		}
	})

	t.Run("trigger rejected", func(t *testing.T) {
		fake := newFakeTronGrid()
		fake.triggerResult = false
		adapter, signer, network := setupTronAdapter(t, fake)
		_, err := adapter.Transfer(ctx, signer.Address(), to, network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrSubmissionFailed) {
			t.Errorf("Expected ErrSubmissionFailed, got %v", err)
		}
		if !strings.Contains(err.Error(), "balance is not sufficient") {
			t.Errorf("Expected decoded node message, got %v", err)
		}
	})

	t.Run("broadcast rejected", func(t *testing.T) {
		fake := newFakeTronGrid()
		fake.broadcastOK = false
		adapter, signer, network := setupTronAdapter(t, fake)
		_, err := adapter.Transfer(ctx, signer.Address(), to, network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrSubmissionFailed) {
			t.Errorf("Expected ErrSubmissionFailed, got %v", err)
		}
	})

	t.Run("non-positive amount", func(t *testing.T) {
		adapter, signer, network := setupTronAdapter(t, newFakeTronGrid())
		_, err := adapter.Transfer(ctx, signer.Address(), to, network.AssetContract, big.NewInt(0))
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})

	t.Run("server errors are retried", func(t *testing.T) {
		fake := newFakeTronGrid()
		fake.failFirst = 2
		adapter, signer, network := setupTronAdapter(t, fake)
		if _, err := adapter.Transfer(ctx, signer.Address(), to, network.AssetContract, big.NewInt(1)); err != nil {
			t.Fatalf("Transfer after retries: %v", err)
		}
		if fake.calls["/wallet/triggersmartcontract"] != 3 {
			t.Errorf("Expected 3 trigger attempts, got %d", fake.calls["/wallet/triggersmartcontract"])
		}
	})

	t.Run("unreachable node", func(t *testing.T) {
		fake := newFakeTronGrid()
		fake.failFirst = 10
		adapter, signer, network := setupTronAdapter(t, fake)
		_, err := adapter.Transfer(ctx, signer.Address(), to, network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrNetworkUnavailable) {
			t.Errorf("Expected ErrNetworkUnavailable, got %v", err)
		}
	})
}

func TestTronAdapter_QueryFinality(t *testing.T) {
	tests := []struct {
		name   string
		info   string
		head   uint64
		expect Finality
	}{
		{"not yet in a block", `{}`, 100, FinalityPending},
		{"confirmed", `{"id":"` + testTronTxID + `","blockNumber":100,"receipt":{"result":"SUCCESS"}}`, 118, FinalitySuccess},
		{"not enough confirmations", `{"id":"` + testTronTxID + `","blockNumber":100,"receipt":{"result":"SUCCESS"}}`, 117, FinalityPending},
		{"reverted", `{"id":"` + testTronTxID + `","blockNumber":100,"receipt":{"result":"REVERT"}}`, 200, FinalityFailed},
		{"out of energy", `{"id":"` + testTronTxID + `","blockNumber":100,"receipt":{"result":"OUT_OF_ENERGY"}}`, 200, FinalityFailed},
		{"failed", `{"id":"` + testTronTxID + `","blockNumber":100,"result":"FAILED","receipt":{}}`, 200, FinalityFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeTronGrid()
			fake.txInfo = tt.info
			fake.headBlock = tt.head
			adapter, _, _ := setupTronAdapter(t, fake)

			got, err := adapter.QueryFinality(context.Background(), testTronTxID)
			if err != nil {
				t.Fatalf("QueryFinality: %v", err)
			}
			if got != tt.expect {
				t.Errorf("Expected %s, got %s", tt.expect, got)
			}
		})
	}

	t.Run("invalid reference", func(t *testing.T) {
		adapter, _, _ := setupTronAdapter(t, newFakeTronGrid())
		if _, err := adapter.QueryFinality(context.Background(), "0xnothex"); !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})
}

func TestTronAdapter_BlockExplorerURL(t *testing.T) {
	adapter, _, _ := setupTronAdapter(t, newFakeTronGrid())
	want := "https://tronscan.org/#/transaction/" + testTronTxID
	if got := adapter.BlockExplorerURL(testTronTxID); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestTronAdapter_CreditedAmount(t *testing.T) {
	ctx := context.Background()
	treasuryHex, _ := TronAddressToHex(tronTreasury)
	payerHex, _ := TronAddressToHex(tronPayer)
	topic := func(account string) string { return strings.Repeat("0", 24) + account[2:] }
	amount := func(v int64) string { return hex.EncodeToString(common.LeftPadBytes(big.NewInt(v).Bytes(), 32)) }

	logs := []string{
		`{"address":"a614f803b6fd780986a42c78ec9c7f77e6ded13c","topics":["` + tronTransferTopic + `","` + topic(payerHex) + `","` + topic(treasuryHex) + `"],"data":"` + amount(20_000_000) + `"}`,
		`{"address":"a614f803b6fd780986a42c78ec9c7f77e6ded13c","topics":["` + tronTransferTopic + `","` + topic(treasuryHex) + `","` + topic(payerHex) + `"],"data":"` + amount(7) + `"}`,
		`{"address":"1111111111111111111111111111111111111111","topics":["` + tronTransferTopic + `","` + topic(payerHex) + `","` + topic(treasuryHex) + `"],"data":"` + amount(50_000_000) + `"}`,
	}

	fake := newFakeTronGrid()
	fake.txInfo = `{"id":"` + testTronTxID + `","blockNumber":100,"receipt":{"result":"SUCCESS"},"log":[` + strings.Join(logs, ",") + `]}`
	adapter, _, network := setupTronAdapter(t, fake)

	credited, err := adapter.CreditedAmount(ctx, testTronTxID, tronTreasury, network.AssetContract)
	if err != nil {
		t.Fatalf("CreditedAmount: %v", err)
	}
	if credited.Int64() != 20_000_000 {
		t.Errorf("Expected 20000000 credited to the treasury, got %s", credited)
	}

	t.Run("not indexed yet", func(t *testing.T) {
		adapter, _, network := setupTronAdapter(t, newFakeTronGrid())
		if _, err := adapter.CreditedAmount(ctx, testTronTxID, tronTreasury, network.AssetContract); !errors.Is(err, ErrNetworkUnavailable) {
			t.Errorf("Expected ErrNetworkUnavailable, got %v", err)
		}
	})

	t.Run("no token transfer", func(t *testing.T) {
		fake := newFakeTronGrid()
		fake.txInfo = `{"id":"` + testTronTxID + `","blockNumber":100}`
		adapter, _, network := setupTronAdapter(t, fake)
		credited, err := adapter.CreditedAmount(ctx, testTronTxID, tronTreasury, network.AssetContract)
		if err != nil || credited.Sign() != 0 {
			t.Errorf("A plain TRX transfer credits no tokens, got %s (%v)", credited, err)
		}
	})
}
