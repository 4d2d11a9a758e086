package bot

import (
	"strings"

	"github.com/frost56k/cm-bot/internal/domain"
)

// EventKind — вид входящего события транспорта.
type EventKind string

const (
	EventCommand EventKind = "command"
	EventText    EventKind = "text"
	EventButton  EventKind = "button"
)

// Event — входящее событие от чат-транспорта.
type Event struct {
	Kind      EventKind
	UserID    int64
	ChatID    int64
	FirstName string
	LastName  string
	Username  string
	// Text — команда ("/start"), свободный текст или данные кнопки.
	Text string
}

// FullName собирает отображаемое имя как в клиенте мессенджера.
func (e Event) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(e.FirstName) + " " + strings.TrimSpace(e.LastName))
}

// Customer возвращает данные покупателя для заказа.
func (e Event) Customer() domain.Customer {
	name := e.FullName()
	if name == "" {
		name = e.Username
	}
	return domain.Customer{
		UserID:   e.UserID,
		FullName: name,
		Username: e.Username,
	}
}

// Chat возвращает чат ответа; для личных сообщений он совпадает с пользователем.
func (e Event) Chat() int64 {
	if e.ChatID != 0 {
		return e.ChatID
	}
	return e.UserID
}

// Command возвращает имя команды без "/" и суффикса "@botname".
func (e Event) Command() string {
	fields := strings.Fields(e.Text)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

// Button — кнопка под сообщением.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// Message — исходящее сообщение. Непустой ImageURL означает фото с подписью Text.
type Message struct {
	ChatID   int64      `json:"chat_id"`
	Text     string     `json:"text"`
	ImageURL string     `json:"image_url,omitempty"`
	Markdown bool       `json:"markdown,omitempty"`
	Keyboard [][]Button `json:"keyboard,omitempty"`
}

// Row собирает строку клавиатуры.
func Row(buttons ...Button) []Button {
	return buttons
}
