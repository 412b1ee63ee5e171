package ratelimit

// Category selects which sliding-window quota applies to a request.
type Category string

const (
	CategoryIP       Category = "ip"       // anonymous clients, keyed by forwarded IP
	CategoryCustomer Category = "customer" // authenticated storefront customers
	CategoryAdmin    Category = "admin"    // authenticated dashboard admins
	CategoryPayment  Category = "payment"  // payment-critical endpoints
)

// Valid reports whether c names a configured category.
func (c Category) Valid() bool {
	switch c {
	case CategoryIP, CategoryCustomer, CategoryAdmin, CategoryPayment:
		return true
	}
	return false
}
