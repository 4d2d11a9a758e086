package bot

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/frost56k/cm-bot/internal/domain"
)

// DefaultPickupAddress — адрес самовывоза по умолчанию.
const DefaultPickupAddress = "город Минск ул. Неждановой д. 37 понедельник - пятница 9-17 часов"

const (
	textGenericError   = "⚠️ Произошла ошибка. Попробуйте позже."
	textCartEmpty      = "Ваша корзина пуста!"
	textItemNotFound   = "Кофе не найден!"
	textOutOfStock     = "Товар с таким весом отсутствует в наличии!"
	textNotSold        = "Нет в наличии"
	textOperatorOnly   = "Это действие доступно только оператору."
	textUnknownButton  = "Кнопка устарела. Откройте каталог заново: /coffeeshop"
	textCartCleared    = "Корзина очищена, товары возвращены в магазин."
	textCheckoutCancel = "Оформление заказа отменено. Товары остаются в корзине."
	textNoCheckout     = "Оформление заказа не начато. Откройте корзину: /cart"
	textCartChanged    = "Корзина изменилась во время оформления. Проверьте корзину и оформите заказ заново."
	textRecipientName  = "Введите имя и фамилию получателя:"
	textOfficeDetails  = "Введите адрес получателя и номер отделения почты (например, 'ул. Ленина 10, отделение 123'):"
	textOfficeInvalid  = "Пожалуйста, укажите и адрес, и номер отделения, разделённые запятой."
	textIssueCanceled  = "Выдача заказа отменена."
	textNoPending      = "Ожидающих выдачи заказов нет."
	textCartExpired    = "Резерв товаров в вашей корзине истёк, товары возвращены в магазин."
	textRetryLater     = "Не удалось сохранить данные. Отправьте сообщение ещё раз."
)

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "[", "\\[", "`", "\\`")

// escape экранирует пользовательский текст для Markdown.
func escape(s string) string {
	return markdownEscaper.Replace(s)
}

func welcomeText(name string) string {
	return fmt.Sprintf(
		"Привет, %s! Я — Кофе Мастер, ваш виртуальный помощник по ремонту кофемашин. 🛠️\n\n"+
			"Наш чат-бот проходит тестирование. Если увидите ошибки, пишите: coffeemasterbel@gmail.com\n"+
			"Используйте /coffeeshop, чтобы посмотреть каталог кофе.",
		name,
	)
}

func catalogMessage(chatID int64, items []domain.CatalogItem) Message {
	keyboard := make([][]Button, 0, len(items)+1)
	for _, item := range items {
		available := 0
		for _, stock := range item.Variants {
			if stock.Sold() {
				available += stock.Quantity
			}
		}
		keyboard = append(keyboard, Row(Button{
			Text: fmt.Sprintf("%s (в наличии: %d)", item.Name, available),
			Data: ItemCallback(item.Index),
		}))
	}
	keyboard = append(keyboard, Row(Button{Text: "Моя корзина", Data: string(ActionViewCart)}))
	return Message{
		ChatID:   chatID,
		Text:     "Добро пожаловать в кофейный магазин!\nВыберите кофе из каталога:",
		Keyboard: keyboard,
	}
}

func itemMessage(chatID int64, item domain.CatalogItem) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "☕ *%s*\n\n%s\n\nЦена и наличие:\n", escape(item.Name), escape(item.Description))

	variants := item.VariantList()
	buttons := make([]Button, 0, len(variants))
	for _, v := range variants {
		stock := item.Variants[v]
		price := stock.Price
		if !stock.Sold() {
			price = "нет в наличии"
		}
		fmt.Fprintf(&b, "%s - %s (в наличии: %d)\n", v.Label(), price, stock.Quantity)
		buttons = append(buttons, Button{Text: v.Label(), Data: AddCallback(item.Index, v)})
	}

	return Message{
		ChatID:   chatID,
		Text:     strings.TrimRight(b.String(), "\n"),
		ImageURL: item.ImageURL,
		Markdown: true,
		Keyboard: [][]Button{
			buttons,
			Row(backToCartButton(), backToCatalogButton()),
		},
	}
}

func addedMessage(chatID int64, line domain.LineItem) Message {
	return Message{
		ChatID: chatID,
		Text: fmt.Sprintf("Вы выбрали:\n*%s* (%s) - %s\nТовар добавлен в корзину.",
			escape(line.Name), line.Variant.Label(), line.Price),
		Markdown: true,
		Keyboard: [][]Button{
			Row(backToCartButton(), backToCatalogButton()),
		},
	}
}

func notSoldMessage(chatID int64, index int) Message {
	return Message{
		ChatID:   chatID,
		Text:     textNotSold,
		Keyboard: [][]Button{Row(Button{Text: "Назад к кофе", Data: ItemCallback(index)})},
	}
}

func itemLines(items []domain.LineItem) string {
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- %s (%s) - %s\n", escape(item.Name), item.Variant.Label(), item.Price)
	}
	return b.String()
}

// formatCart печатает корзину с итоговой суммой.
func formatCart(items []domain.LineItem, total decimal.Decimal) string {
	if len(items) == 0 {
		return "Ваша корзина пуста."
	}
	return "🛒 *Ваша корзина:*\n\n" + itemLines(items) + "\n*Итого:* " + domain.FormatAmount(total)
}

func cartMessage(chatID int64, cart domain.Cart, total decimal.Decimal) Message {
	if cart.Empty() {
		return emptyCartMessage(chatID)
	}
	return Message{
		ChatID:   chatID,
		Text:     formatCart(cart.Items, total),
		Markdown: true,
		Keyboard: [][]Button{
			Row(Button{Text: "Оформить заказ", Data: string(ActionCheckout)}),
			Row(Button{Text: "Очистить корзину", Data: string(ActionClearCart)}),
			Row(backToCatalogButton()),
		},
	}
}

func emptyCartMessage(chatID int64) Message {
	return Message{
		ChatID:   chatID,
		Text:     textCartEmpty,
		Keyboard: [][]Button{Row(backToCatalogButton())},
	}
}

func checkoutMessage(chatID int64, items []domain.LineItem, total decimal.Decimal) Message {
	return Message{
		ChatID: chatID,
		Text: "*Оформление заказа.*\n\n" + formatCart(items, total) + "\n\n" +
			"Выберите способ оплаты:\n" +
			"Самовывоз. Оплата при получении наличными или картой\n" +
			"Европочта. Оплата при получении в отделении почты наличными или картой",
		Markdown: true,
		Keyboard: [][]Button{
			Row(
				Button{Text: "Самовывоз", Data: string(ActionPickup)},
				Button{Text: "Европочта", Data: string(ActionMail)},
			),
			Row(cancelCheckoutButton()),
		},
	}
}

func pickupPromptMessage(chatID int64, items []domain.LineItem, total decimal.Decimal) Message {
	return Message{
		ChatID: chatID,
		Text: "🛒 *Ваш заказ:*\n" + itemLines(items) + "\n" +
			"Способ оплаты: " + domain.FulfillmentPickupCash.Title() + "\n" +
			"Сумма к оплате: " + domain.FormatAmount(total) + "\n\n" +
			"‼️ Пожалуйста, добавьте комментарий к заказу (например, удобное время самовывоза) " +
			"или напишите 'нет', если комментарий не нужен:",
		Markdown: true,
		Keyboard: [][]Button{Row(cancelCheckoutButton())},
	}
}

func customerOrderMessage(order domain.Order, pickupAddress string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ *Заказ №%s оформлен!*\n🛒 *Ваш заказ:*\n%s\n", order.Number, itemLines(order.Items))
	fmt.Fprintf(&b, "Способ оплаты: %s\n", order.Method.Title())
	fmt.Fprintf(&b, "Сумма к оплате: %s\n", domain.FormatAmount(order.Total))
	switch order.Method {
	case domain.FulfillmentPickupCash:
		fmt.Fprintf(&b, "Комментарий: %s\n", escape(order.Comment))
		fmt.Fprintf(&b, "Заберите ваш заказ по адресу: %s\n", pickupAddress)
		b.WriteString("Оплата наличными или картой при получении.")
	case domain.FulfillmentMailDispatch:
		b.WriteString(mailDetails(order))
		b.WriteString("Оплата при получении в отделении почты.")
	}
	return Message{
		ChatID:   order.UserID,
		Text:     b.String(),
		Markdown: true,
		Keyboard: [][]Button{Row(Button{Text: "Вернуться в магазин", Data: string(ActionCatalog)})},
	}
}

func operatorOrderMessage(operatorID int64, order domain.Order) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 *Новый заказ №%s!*\n", order.Number)
	fmt.Fprintf(&b, "Пользователь: %s (ID: %d%s)\n", escape(order.FullName), order.UserID, usernameSuffix(order.Username))
	fmt.Fprintf(&b, "🛒 *Заказ:*\n%s\n", itemLines(order.Items))
	fmt.Fprintf(&b, "Способ оплаты: %s\n", order.Method.Title())
	switch order.Method {
	case domain.FulfillmentPickupCash:
		fmt.Fprintf(&b, "Сумма: %s\n", domain.FormatAmount(order.Total))
		fmt.Fprintf(&b, "Комментарий: %s", escape(order.Comment))
	case domain.FulfillmentMailDispatch:
		b.WriteString(mailDetails(order))
		fmt.Fprintf(&b, "Сумма: %s", domain.FormatAmount(order.Total))
	}
	return Message{
		ChatID:   operatorID,
		Text:     b.String(),
		Markdown: true,
		Keyboard: [][]Button{Row(Button{Text: "Выдать заказ", Data: IssueCallback(order.Number)})},
	}
}

func mailDetails(order domain.Order) string {
	return fmt.Sprintf("Получатель: %s\nАдрес: %s\nНомер отделения: %s\n",
		escape(order.RecipientName), escape(order.Address), escape(order.PostOfficeNumber))
}

func usernameSuffix(username string) string {
	if username == "" {
		return ""
	}
	return ", @" + escape(username)
}

func issueConfirmMessage(chatID int64, number string) Message {
	return Message{
		ChatID: chatID,
		Text:   fmt.Sprintf("Вы уверены, что хотите подтвердить выдачу заказа №%s?", number),
		Keyboard: [][]Button{
			Row(Button{Text: "Подтвердить", Data: ConfirmIssueCallback(number)}),
			Row(Button{Text: "Отмена", Data: string(ActionCancelIssue)}),
		},
	}
}

func issuedText(number string) string {
	return fmt.Sprintf("Заказ №%s успешно выдан и записан в историю.", number)
}

func issueNotFoundText(number string) string {
	return fmt.Sprintf("Заказ №%s не найден среди ожидающих выдачи. Возможно, он уже выдан.", number)
}

func pendingMessage(chatID int64, orders []domain.Order) Message {
	if len(orders) == 0 {
		return Message{ChatID: chatID, Text: textNoPending}
	}
	var b strings.Builder
	b.WriteString("📋 *Ожидают выдачи:*\n")
	keyboard := make([][]Button, 0, len(orders))
	for _, order := range orders {
		fmt.Fprintf(&b, "№%s: %s, %s, %s\n",
			order.Number, escape(order.FullName), order.Method.Title(), domain.FormatAmount(order.Total))
		keyboard = append(keyboard, Row(Button{
			Text: "Выдать №" + order.Number,
			Data: IssueCallback(order.Number),
		}))
	}
	return Message{ChatID: chatID, Text: strings.TrimRight(b.String(), "\n"), Markdown: true, Keyboard: keyboard}
}

func backToCatalogButton() Button {
	return Button{Text: "Назад к каталогу", Data: string(ActionCatalog)}
}

func backToCartButton() Button {
	return Button{Text: "Моя корзина", Data: string(ActionViewCart)}
}

func cancelCheckoutButton() Button {
	return Button{Text: "Отменить оформление", Data: string(ActionCancelCheckout)}
}
