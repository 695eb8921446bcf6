package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/entity"
)

// ordersEntity collects the ids of checked out carts.
const ordersEntity = "orders"

type lineItem struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

type cartView struct {
	Items map[string]int64 `json:"items"`
}

// cartHandlers registers the shopping cart commands. A cart is an ORMap of
// sku to Counter; the orders entity is an ORSet of cart ids.
func cartHandlers() entity.Handlers {
	return entity.Handlers{
		"add-item":     addItem,
		"remove-item":  removeItem,
		"get-cart":     getCart,
		"checkout":     checkout,
		"record-order": recordOrder,
		"list-orders":  listOrders,
	}
}

func addItem(cc *entity.CommandContext, payload []byte) error {
	var item lineItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return fmt.Errorf("decode line item: %w", err)
	}
	if item.SKU == "" || item.Quantity == 0 {
		return errors.New("line item needs a sku and a non-zero quantity")
	}

	items, err := openCart(cc)
	if err != nil {
		return err
	}
	err = items.Update(item.SKU, crdt.TypeCounter, func(v crdt.Value) error {
		c := v.(*crdt.Counter)
		if item.Quantity < 0 && c.Int()+item.Quantity < 0 {
			return fmt.Errorf("cannot remove %d of %q, cart holds %d", -item.Quantity, item.SKU, c.Int())
		}
		return c.Increment(item.Quantity)
	})
	if err != nil {
		return err
	}
	return replyCart(cc, items)
}

func removeItem(cc *entity.CommandContext, payload []byte) error {
	v, err := cc.State()
	if err != nil {
		return err
	}
	items := v.(*crdt.ORMap)
	items.Remove(string(payload))
	return replyCart(cc, items)
}

func getCart(cc *entity.CommandContext, _ []byte) error {
	v, ok := cc.Current()
	if !ok {
		return replyCart(cc, nil)
	}
	return replyCart(cc, v.(*crdt.ORMap))
}

// checkout hands the cart to the orders entity and deletes it. The reply
// waits until the order is recorded.
func checkout(cc *entity.CommandContext, _ []byte) error {
	v, err := cc.State()
	if err != nil {
		return err
	}
	if v.(*crdt.ORMap).Len() == 0 {
		return errors.New("cart is empty")
	}
	if err := cc.SyncEffect(ordersEntity, "record-order", []byte(cc.EntityID())); err != nil {
		return err
	}
	if err := cc.Delete(); err != nil {
		return err
	}
	return cc.NoReply()
}

func recordOrder(cc *entity.CommandContext, payload []byte) error {
	var orders *crdt.ORSet
	if v, ok := cc.Current(); ok {
		orders = v.(*crdt.ORSet)
	} else {
		var err error
		if orders, err = cc.NewORSet(); err != nil {
			return err
		}
	}
	orders.Add(string(payload))
	cc.Logger().Info("order recorded", slog.String("cart_id", string(payload)))
	return cc.NoReply()
}

func listOrders(cc *entity.CommandContext, _ []byte) error {
	ids := []string{}
	if v, ok := cc.Current(); ok {
		ids = v.(*crdt.ORSet).Elements()
	}
	body, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return cc.Reply(body)
}

func openCart(cc *entity.CommandContext) (*crdt.ORMap, error) {
	if v, ok := cc.Current(); ok {
		return v.(*crdt.ORMap), nil
	}
	return cc.NewORMap()
}

func replyCart(cc *entity.CommandContext, items *crdt.ORMap) error {
	view := cartView{Items: map[string]int64{}}
	if items != nil {
		for _, sku := range items.Keys() {
			v, _ := items.Get(sku)
			if n := v.(*crdt.Counter).Int(); n != 0 {
				view.Items[sku] = n
			}
		}
	}
	body, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return cc.Reply(body)
}
