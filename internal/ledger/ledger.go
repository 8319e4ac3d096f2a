// Package ledger writes append-only CSV audit files, one file per product.
package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is RFC3339 in UTC with millisecond precision.
const DateLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	SalesHeader          = []string{"Date", "Quantity", "Total Amount"}
	InventoryTrendHeader = []string{"Date", "Product ID", "Product Name", "Pre Quantity", "New Quantity"}

	unsafeName = regexp.MustCompile(`[\s/\\]`)
)

// Book is one family of ledgers sharing a directory and a header.
type Book struct {
	Dir    string
	Header []string
}

func SalesBook(dir string) Book          { return Book{Dir: dir, Header: SalesHeader} }
func InventoryTrendBook(dir string) Book { return Book{Dir: dir, Header: InventoryTrendHeader} }

// Key identifies a product's ledger inside a Book.
type Key struct {
	ProductID   int64
	ProductName string
}

// FileName is "<id>_<name>.csv" with whitespace and path separators replaced by "_".
func (k Key) FileName() string {
	return fmt.Sprintf("%d_%s.csv", k.ProductID, unsafeName.ReplaceAllString(k.ProductName, "_"))
}

func (b Book) Path(k Key) string { return filepath.Join(b.Dir, k.FileName()) }

// Ensure creates the book directory.
func (b Book) Ensure() error {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return fmt.Errorf("ledger dir %s: %w", b.Dir, err)
	}
	return nil
}

type SalesRecord struct {
	Date       time.Time
	Quantity   int
	TotalCents int64
}

func (r SalesRecord) Row() []string {
	return []string{FormatDate(r.Date), strconv.Itoa(r.Quantity), FormatCents(r.TotalCents)}
}

type InventoryTrendRecord struct {
	Date        time.Time
	ProductID   int64
	ProductName string
	PreQty      int
	NewQty      int
}

func (r InventoryTrendRecord) Row() []string {
	return []string{
		FormatDate(r.Date),
		strconv.FormatInt(r.ProductID, 10),
		r.ProductName,
		strconv.Itoa(r.PreQty),
		strconv.Itoa(r.NewQty),
	}
}

func FormatDate(t time.Time) string { return t.UTC().Format(DateLayout) }

// FormatCents renders an amount in minor units with two decimals.
func FormatCents(cents int64) string { return decimal.New(cents, -2).StringFixed(2) }

// Writer appends rows to ledgers. Appends to the same file are serialized
// within the process, and every row lands in a single write call.
type Writer struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewWriter() *Writer {
	return &Writer{locks: map[string]*sync.Mutex{}}
}

func (w *Writer) lock(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[path]
	if !ok {
		l = &sync.Mutex{}
		w.locks[path] = l
	}
	return l
}

// Append writes row to the ledger for k, creating it with the header first
// when it does not exist yet. Existing content is never truncated.
func (w *Writer) Append(b Book, k Key, row []string) error {
	if len(row) != len(b.Header) {
		return fmt.Errorf("ledger %s: row has %d columns, header has %d", k.FileName(), len(row), len(b.Header))
	}
	if err := b.Ensure(); err != nil {
		return err
	}
	path := b.Path(k)
	l := w.lock(path)
	l.Lock()
	defer l.Unlock()

	if err := create(path, b.Header); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger %s: %w", path, err)
	}
	var rows [][]string
	if info.Size() == 0 {
		rows = append(rows, b.Header)
	}
	buf, err := encode(append(rows, row)...)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("append ledger %s: %w", path, err)
	}
	return f.Close()
}

// create publishes a ledger holding only header at path unless a file is
// already there. The header goes to a temporary file that is hard-linked into
// place; readers in any process see no ledger or a complete header.
func create(path string, header []string) error {
	if _, err := os.Lstat(path); err == nil || !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	buf, err := encode(header)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("create ledger %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("create ledger %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("create ledger %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("create ledger %s: %w", path, err)
	}
	if err := os.Link(tmp.Name(), path); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create ledger %s: %w", path, err)
	}
	return nil
}

func encode(rows ...[]string) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode ledger row: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadAll returns every row of a ledger including the header.
// A missing ledger yields no rows and no error.
func ReadAll(b Book, k Key) ([][]string, error) {
	f, err := os.Open(b.Path(k))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read ledger %s: %w", b.Path(k), err)
	}
	return rows, nil
}
