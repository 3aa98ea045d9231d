package redisclient

import "fmt"

const (
	// product:{product_id} -> models.Product
	keyProduct = "product:%d"

	// order:{order_id} -> models.Order with items
	keyOrder = "order:%d"

	// order_transaction:{order_id} -> models.Transaction
	keyOrderTransaction = "order_transaction:%d"

	// user_cart:{owner_id} -> models.Order (the open cart)
	keyUserCart = "user_cart:%d"

	// user_orders:{owner_id} -> []models.OrderSummary
	keyUserOrders = "user_orders:%d"

	// lock:{key} -> random token of the regenerating holder
	keyLock = "lock:%s"
)

func ProductKey(id int64) string          { return fmt.Sprintf(keyProduct, id) }
func OrderKey(id int64) string            { return fmt.Sprintf(keyOrder, id) }
func OrderTransactionKey(id int64) string { return fmt.Sprintf(keyOrderTransaction, id) }
func UserCartKey(ownerID int64) string    { return fmt.Sprintf(keyUserCart, ownerID) }
func UserOrdersKey(ownerID int64) string  { return fmt.Sprintf(keyUserOrders, ownerID) }

func lockKey(key string) string { return fmt.Sprintf(keyLock, key) }
