package orders

// Requirement — ресурсы, которые нужны боту для выполнения заказа.
// Вычисляется на лету и не хранится.
type Requirement struct {
	Currency    int64 // Точная сумма: цена × количество по всем позициям
	GiftsNeeded int   // Одна отправка на позицию заказа
}

// RequirementFor считает требование заказа.
// Количество внутри позиции учитывается в сумме, но не в числе отправок:
// платформа отправляет позицию одним подарком.
func RequirementFor(o *Order) Requirement {
	var req Requirement
	for _, it := range o.Items {
		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}
		req.Currency += it.Price * int64(qty)
		req.GiftsNeeded++
	}
	return req
}
