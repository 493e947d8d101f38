package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/rag"
	"github.com/proposal-insights/backend/pkg/logger"
)

var ErrNoSchemaFacts = errors.New("no schema facts found in data dictionary")

// Indexer is the write side of the context retriever.
type Indexer interface {
	UpsertDocuments(ctx context.Context, docs []rag.Document) (int, error)
	Clear(ctx context.Context) error
}

type Processor struct {
	registry *catalog.Registry
	index    Indexer
}

type SyncResult struct {
	Documents  int            `json:"documents"`
	Upserted   int            `json:"upserted"`
	Incomplete int            `json:"incomplete"`
	ByType     map[string]int `json:"by_type"`
	Cleared    bool           `json:"cleared"`
	Duration   time.Duration  `json:"duration_ns"`
}

func NewProcessor(registry *catalog.Registry, index Indexer) *Processor {
	return &Processor{
		registry: registry,
		index:    index,
	}
}

// SyncCatalog rebuilds every catalog document and upserts it. Ids are stable,
// so running it twice leaves the index unchanged.
func (p *Processor) SyncCatalog(ctx context.Context, clear bool) (*SyncResult, error) {
	logger.Info("Syncing catalog documents", zap.Bool("clear", clear))

	if clear {
		if err := p.index.Clear(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear index: %w", err)
		}
	}

	res, err := p.upsert(ctx, rag.BuildDocuments(p.registry))
	if err != nil {
		return nil, err
	}
	res.Cleared = clear

	logger.Info("Catalog documents synced",
		zap.Int("documents", res.Documents),
		zap.Int("incomplete", res.Incomplete),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// IngestDataDictionary extracts column descriptions from an HTML data
// dictionary and indexes them as schema documents.
func (p *Processor) IngestDataDictionary(ctx context.Context, source, htmlContent string) (*SyncResult, error) {
	logger.Info("Processing data dictionary", zap.String("source", source))

	facts, err := ParseDataDictionary(htmlContent)
	if err != nil {
		return nil, err
	}

	docs := rag.BuildDocuments(&catalog.Registry{Schema: facts})
	res, err := p.upsert(ctx, docs)
	if err != nil {
		return nil, err
	}

	logger.Info("Data dictionary processed",
		zap.String("source", source),
		zap.Int("facts", len(facts)),
		zap.Int("incomplete", res.Incomplete),
	)
	return res, nil
}

func (p *Processor) upsert(ctx context.Context, docs []rag.Document) (*SyncResult, error) {
	start := time.Now()

	res := &SyncResult{Documents: len(docs), ByType: make(map[string]int)}
	for _, d := range docs {
		res.ByType[string(d.Type)]++
		if !d.Complete {
			res.Incomplete++
		}
	}

	n, err := p.index.UpsertDocuments(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert documents: %w", err)
	}
	res.Upserted = n
	res.Duration = time.Since(start)
	return res, nil
}

var (
	whitespace = regexp.MustCompile(`\s+`)
	nonIdent   = regexp.MustCompile(`[^a-z0-9_]+`)
)

// ParseDataDictionary reads every HTML table that has a column header. The
// table name comes from a "table" column, the data-table attribute, the
// caption, or the nearest preceding heading, in that order.
func ParseDataDictionary(htmlContent string) ([]catalog.SchemaFact, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, nav, footer").Remove()

	var facts []catalog.SchemaFact
	doc.Find("table").Each(func(_ int, tbl *goquery.Selection) {
		facts = append(facts, parseTable(tbl)...)
	})

	if len(facts) == 0 {
		return nil, ErrNoSchemaFacts
	}
	return facts, nil
}

func parseTable(tbl *goquery.Selection) []catalog.SchemaFact {
	headerRow := tbl.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Find("th").Length() > 0
	}).First()
	if headerRow.Length() == 0 {
		return nil
	}

	cols := map[string]int{}
	headerRow.Find("th").Each(func(i int, th *goquery.Selection) {
		switch key := strings.ToLower(cleanText(th.Text())); key {
		case "column", "field", "column name", "name":
			cols["column"] = i
		case "type", "data type":
			cols["type"] = i
		case "description", "meaning", "definition":
			cols["description"] = i
		case "values", "allowed values", "valid values":
			cols["values"] = i
		case "table":
			cols["table"] = i
		}
	})
	if _, ok := cols["column"]; !ok {
		return nil
	}

	defaultTable := tableName(tbl)

	var facts []catalog.SchemaFact
	tbl.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return
		}
		cell := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= cells.Length() {
				return ""
			}
			return cleanText(cells.Eq(i).Text())
		}

		column := identifierFrom(cell("column"))
		if column == "" {
			return
		}
		table := identifierFrom(cell("table"))
		if table == "" {
			table = defaultTable
		}
		if table == "" {
			return
		}

		facts = append(facts, catalog.SchemaFact{
			Table:       table,
			Column:      column,
			Type:        strings.ToLower(cell("type")),
			Description: cell("description"),
			Values:      splitValues(cell("values")),
		})
	})
	return facts
}

func tableName(tbl *goquery.Selection) string {
	if name, ok := tbl.Attr("data-table"); ok {
		if id := identifierFrom(name); id != "" {
			return id
		}
	}
	if id := identifierFrom(tbl.Find("caption").First().Text()); id != "" {
		return id
	}
	return identifierFrom(tbl.PrevAllFiltered("h1, h2, h3, h4").First().Text())
}

func cleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func identifierFrom(s string) string {
	id := nonIdent.ReplaceAllString(strings.ToLower(cleanText(s)), "_")
	return strings.Trim(id, "_")
}

func splitValues(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '|' }) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
