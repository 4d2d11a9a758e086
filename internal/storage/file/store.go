// Package file хранит состояние бота в JSON-файлах каталога данных.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/storage/memory"
)

const (
	CatalogFileName       = "bot_mind.json"
	PendingOrdersFileName = "pending_orders.json"
	OrderHistoryFileName  = "order_history.json"
	OrderNumberFileName   = "order_number.json"
	ConversationsFileName = "conversations.json"
)

// Options задаёт параметры файлового хранилища.
type Options struct {
	// CatalogPath переопределяет путь к каталогу (по умолчанию <dir>/bot_mind.json).
	CatalogPath string
	Logger      *log.Entry
	Now         func() time.Time
}

// Store владеет файлами каталога данных и in-memory репозиториями поверх них.
// Склад, счётчик, корзины и журнал заказов записываются синхронно при каждой мутации,
// история диалогов копится в памяти и записывается через Flush.
type Store struct {
	dir         string
	catalogPath string
	logger      *log.Entry
	now         func() time.Time

	catalogMu sync.Mutex
	catalog   *catalogDocument

	// convMu упорядочивает записи conversations.json; берётся после блокировки корзин.
	convMu    sync.Mutex
	lastCarts map[int64]domain.Cart

	ledgerMu   sync.Mutex
	historyLen int

	inventory     *memory.Inventory
	sequencer     *memory.Sequencer
	carts         *memory.CartRepository
	ledger        *memory.OrderLedger
	conversations *memory.ConversationStore
}

// Open загружает состояние из dir. Отсутствующие файлы считаются пустыми.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		dir:         dir,
		catalogPath: opts.CatalogPath,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if s.catalogPath == "" {
		s.catalogPath = filepath.Join(dir, CatalogFileName)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "file-store")
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}

	doc, err := loadCatalogDocument(s.catalogPath)
	if err != nil {
		return nil, err
	}
	items, err := doc.Items()
	if err != nil {
		return nil, err
	}
	s.catalog = doc
	s.inventory = memory.NewInventory(items, memory.WithCatalogWriter(s.writeCatalog))

	var counter counterFile
	if err := s.readJSON(OrderNumberFileName, &counter); err != nil {
		return nil, err
	}
	s.sequencer = memory.NewSequencer(counter.LastOrderNumber, s.writeCounter)

	pending, history, err := s.loadOrders()
	if err != nil {
		return nil, err
	}
	s.historyLen = len(history)
	s.ledger = memory.NewOrderLedger(
		memory.WithOrders(pending, history),
		memory.WithLedgerWriter(s.writeOrders),
	)

	convs, carts, err := s.loadConversations()
	if err != nil {
		return nil, err
	}
	s.lastCarts = carts
	s.conversations = memory.NewConversationStore(convs)
	s.carts = memory.NewCartRepository(
		memory.WithCarts(carts),
		memory.WithCartWriter(s.writeCarts),
		memory.WithCartClock(s.now),
	)

	s.logger.WithFields(log.Fields{
		"items":          len(items),
		"pending_orders": len(pending),
		"last_order":     counter.LastOrderNumber,
		"carts":          len(carts),
	}).Info("file store loaded")
	return s, nil
}

func (s *Store) Inventory() *memory.Inventory             { return s.inventory }
func (s *Store) Sequencer() *memory.Sequencer             { return s.sequencer }
func (s *Store) Carts() *memory.CartRepository            { return s.carts }
func (s *Store) Ledger() *memory.OrderLedger              { return s.ledger }
func (s *Store) Conversations() *memory.ConversationStore { return s.conversations }

// Flush записывает историю диалогов вместе с последним известным состоянием корзин.
func (s *Store) Flush(_ context.Context) error {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	if err := s.writeConversationsLocked(); err != nil {
		return domain.PersistenceError("flush conversations", err)
	}
	s.logger.Debug("conversations flushed")
	return nil
}

func (s *Store) writeCatalog(_ context.Context, items []domain.CatalogItem) error {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	s.catalog.Apply(items)
	return writeJSONFile(s.catalogPath, s.catalog.raw)
}

func (s *Store) writeCounter(_ context.Context, last int64) error {
	return writeJSONFile(s.path(OrderNumberFileName), counterFile{LastOrderNumber: last})
}

// writeOrders сначала пишет историю, затем ожидающие заказы:
// после сбоя между записями заказ окажется в обоих файлах, и при загрузке останется только в истории.
func (s *Store) writeOrders(_ context.Context, pending, history []domain.Order) error {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	if len(history) != s.historyLen {
		if err := writeJSONFile(s.path(OrderHistoryFileName), toOrdersFile(history)); err != nil {
			return err
		}
		s.historyLen = len(history)
	}
	return writeJSONFile(s.path(PendingOrdersFileName), toOrdersFile(pending))
}

func (s *Store) writeCarts(_ context.Context, carts map[int64]domain.Cart) error {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	prev := s.lastCarts
	s.lastCarts = carts
	if err := s.writeConversationsLocked(); err != nil {
		s.lastCarts = prev
		return err
	}
	return nil
}

func (s *Store) writeConversationsLocked() error {
	convs := s.conversations.Snapshot()

	ids := make(map[int64]struct{}, len(convs)+len(s.lastCarts))
	for id := range convs {
		ids[id] = struct{}{}
	}
	for id := range s.lastCarts {
		ids[id] = struct{}{}
	}

	out := make(map[string]conversationRecord, len(ids))
	for id := range ids {
		out[userKey(id)] = toConversationRecord(convs[id], s.lastCarts[id])
	}
	return writeJSONFile(s.path(ConversationsFileName), out)
}

func (s *Store) loadOrders() (pending, history []domain.Order, err error) {
	var pendingFile, historyFile ordersFile
	if err := s.readJSON(PendingOrdersFileName, &pendingFile); err != nil {
		return nil, nil, err
	}
	if err := s.readJSON(OrderHistoryFileName, &historyFile); err != nil {
		return nil, nil, err
	}

	history, err = fromOrdersFile(historyFile)
	if err != nil {
		return nil, nil, err
	}
	issued := make(map[string]struct{}, len(history))
	for _, o := range history {
		issued[o.Number] = struct{}{}
	}

	all, err := fromOrdersFile(pendingFile)
	if err != nil {
		return nil, nil, err
	}
	for _, o := range all {
		if _, done := issued[o.Number]; done {
			s.logger.WithField("order_number", o.Number).Warn("order found in both pending and history, keeping history")
			continue
		}
		pending = append(pending, o)
	}
	return pending, history, nil
}

func (s *Store) loadConversations() (map[int64]memory.Conversation, map[int64]domain.Cart, error) {
	raw := make(map[string]conversationRecord)
	if err := s.readJSON(ConversationsFileName, &raw); err != nil {
		return nil, nil, err
	}

	convs := make(map[int64]memory.Conversation, len(raw))
	carts := make(map[int64]domain.Cart)
	loadedAt := s.now()
	for key, rec := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			s.logger.WithField("key", key).Warn("skip conversation with non-numeric user id")
			continue
		}
		conv, items, updated := fromConversationRecord(rec)
		convs[id] = conv
		if len(items) == 0 {
			continue
		}
		// Корзины из старых файлов не знают времени изменения: отсчёт простоя начинается с загрузки.
		if updated.IsZero() {
			updated = loadedAt
		}
		carts[id] = domain.Cart{UserID: id, Items: items, UpdatedAt: updated}
	}
	return convs, carts, nil
}

// readJSON читает файл из каталога данных; отсутствующий или пустой файл оставляет dst без изменений.
func (s *Store) readJSON(name string, dst any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func toOrdersFile(orders []domain.Order) ordersFile {
	out := ordersFile{Orders: make([]orderRecord, 0, len(orders))}
	for _, o := range orders {
		out.Orders = append(out.Orders, toOrderRecord(o))
	}
	return out
}

func fromOrdersFile(f ordersFile) ([]domain.Order, error) {
	out := make([]domain.Order, 0, len(f.Orders))
	for _, rec := range f.Orders {
		o, err := fromOrderRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

var _ domain.Flusher = (*Store)(nil)

// Knowledge возвращает документ каталога целиком с текущими остатками.
// Используется как системный промпт ассистента.
func (s *Store) Knowledge(_ context.Context) (string, error) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	data, err := json.MarshalIndent(s.catalog.raw, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal catalog document: %w", err)
	}
	return string(data), nil
}
