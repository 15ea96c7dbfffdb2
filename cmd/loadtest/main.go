package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"fulfillment/internal/payment"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type options struct {
	baseURL     string
	secret      string
	stock       int64
	users       int
	concurrency int
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Concurrent checkout and confirm against one variant to check for oversell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
		SilenceUsage: true,
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base", "http://localhost:8080", "server base url")
	f.StringVar(&opts.secret, "secret", "dev-payment-secret", "payment signing secret configured on the server")
	f.Int64Var(&opts.stock, "stock", 10, "units seeded for the test variant")
	// 超卖测试参数：200 个用户并发抢 10 件
	f.IntVar(&opts.users, "users", 200, "distinct buyers")
	f.IntVar(&opts.concurrency, "c", 50, "max concurrency")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	client := &http.Client{Timeout: 10 * time.Second}
	productID, err := seedProduct(client, opts)
	if err != nil {
		return errors.Wrap(err, "seed product")
	}
	fmt.Printf("start oversell test: product=%d stock=%d users=%d concurrency=%d\n",
		productID, opts.stock, opts.users, opts.concurrency)

	signer := payment.NewVerifier(opts.secret)
	sem := make(chan struct{}, opts.concurrency)
	var wg sync.WaitGroup
	results := make([]Result, opts.users)
	for i := 0; i < opts.users; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = buyOnce(client, opts.baseURL, signer, productID, idx+1)
		}(i)
	}
	wg.Wait()

	printSummary("confirm", results)
	left, err := remaining(client, opts.baseURL, productID)
	if err != nil {
		fmt.Println("stock check err:", err)
		return nil
	}
	fmt.Println("final stock:", left)
	if left < 0 {
		return errors.Errorf("oversold: stock went to %d", left)
	}
	return nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func seedProduct(client *http.Client, opts options) (uint, error) {
	body := map[string]any{
		"name":  "loadtest item",
		"price": "100.00",
		"variants": []map[string]any{
			{"color": "black", "size": "M", "quantity": opts.stock},
		},
	}
	var out struct {
		ID uint `json:"id"`
	}
	if err := doJSON(client, http.MethodPost, opts.baseURL+"/api/products", "1", "operator", body, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// buyOnce 走完整的结账与支付确认两步，返回确认请求的结果。
func buyOnce(client *http.Client, baseURL string, signer payment.Verifier, productID uint, user int) Result {
	var co struct {
		PaymentOrderHandle string `json:"payment_order_handle"`
	}
	uid := strconv.Itoa(user)
	err := doJSON(client, http.MethodPost, baseURL+"/api/orders/checkout", uid, "customer", map[string]any{
		"customer": map[string]any{"name": "buyer " + uid},
		"cart_items": []map[string]any{
			{"product_id": productID, "color": "black", "size": "M", "quantity": 1},
		},
	}, &co)
	if err != nil {
		return Result{Err: err}
	}

	txn := "pay_load_" + uid
	b, _ := json.Marshal(map[string]any{
		"payment_order_handle":       co.PaymentOrderHandle,
		"payment_transaction_handle": txn,
		"signature":                  signer.Sign(co.PaymentOrderHandle, txn),
	})
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/orders/confirm", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

// remaining 查询变体剩余库存，用于压测后校验是否出现超卖。
func remaining(client *http.Client, baseURL string, productID uint) (int64, error) {
	var products []struct {
		ID       uint `json:"id"`
		Variants []struct {
			Quantity int64 `json:"quantity"`
		} `json:"variants"`
	}
	if err := doJSON(client, http.MethodGet, baseURL+"/api/products", "", "", nil, &products); err != nil {
		return 0, err
	}
	for _, p := range products {
		if p.ID == productID && len(p.Variants) > 0 {
			return p.Variants[0].Quantity, nil
		}
	}
	return 0, errors.Errorf("product %d not listed", productID)
}

func doJSON(client *http.Client, method, url, userID, role string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Role", role)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return errors.Errorf("status=%d body=%s", resp.StatusCode, string(raw))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 409, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d (checkout failures or transport)\n", errCount)
	}
}
