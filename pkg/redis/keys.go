package redis

import "fmt"

// RateLimitKey 统一约定限流键名，subject 为 user:<id> 或 ip:<addr>。
func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("fulfillment:rate_limit:%s:%s", scope, subject)
}

// ConfirmLockKey 标记某个支付单号正在确认中。
func ConfirmLockKey(paymentOrderHandle string) string {
	return fmt.Sprintf("fulfillment:confirm:lock:%s", paymentOrderHandle)
}
