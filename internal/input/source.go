// Package input implements the identifier source: parsing of delimited
// CSV/TSV files into SourceRows and WorkItems.
//
// The expected input is a file whose first header cell is the comma-joined
// identifier-kind chain (outermost first, e.g. "bibs,holdings,items") and
// whose second header cell, if present, is an element path expression for
// edit flows. Each data row carries the matching comma-joined identifier
// values in the first cell and the edit value in the second.
package input

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/tigerroll/almapipo/internal/domain/model"
	"github.com/tigerroll/almapipo/internal/support/logger"
)

// ErrMalformedInput is wrapped by every structural parse failure: a missing
// edit column, an undeterminable delimiter, a kind/value count mismatch or
// an empty required cell.
var ErrMalformedInput = errors.New("malformed input")

// idPrefixPattern lists the two-digit prefixes of valid Alma record IDs
// (MMS, holding, item, portfolio etc.).
const idPatternTemplate = `^(22|23|53|61|62|81|99)\d{2,}%s$`

// Options controls optional identifier validation during parsing.
type Options struct {
	// RequireEdit makes the edit path column mandatory (PUT flows).
	RequireEdit bool
	// ValidateIDs enables checking each identifier value against the Alma
	// ID pattern. Rows failing the check are logged and skipped, they do
	// not abort the parse.
	ValidateIDs bool
	// IDSuffix is the institutional suffix appended to the ID pattern,
	// e.g. "1234". Only used when ValidateIDs is set.
	IDSuffix string
}

// Source streams SourceRows from a delimited file. The first data row is
// validated eagerly at open time so whole-file formatting errors surface
// before any worker starts; the remainder is read lazily.
type Source struct {
	path     string
	file     *os.File
	reader   *csv.Reader
	kinds    []string
	editPath string
	opts     Options

	idPattern *regexp.Regexp
	// pending holds the eagerly validated first data row until the first
	// Next call consumes it.
	pending *model.SourceRow
	done    bool
}

// OpenSource opens and validates the head of a CSV/TSV file.
// It fails with an error wrapping ErrMalformedInput when the delimiter
// cannot be determined, the header is missing or too narrow, or the first
// data row is structurally invalid.
func OpenSource(path string, opts Options) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("input file %s is not accessible: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("input path %s is a directory: %w", path, ErrMalformedInput)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("input file %s is not readable: %w", path, err)
	}

	buffered := bufio.NewReader(file)
	delimiter, err := inferDelimiter(path, buffered)
	if err != nil {
		file.Close()
		return nil, err
	}
	logger.Debugf("Reading file %s with delimiter %q.", path, delimiter)

	reader := csv.NewReader(buffered)
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1

	s := &Source{
		path:   path,
		file:   file,
		reader: reader,
		opts:   opts,
	}

	if opts.ValidateIDs {
		s.idPattern = regexp.MustCompile(
			fmt.Sprintf(idPatternTemplate, regexp.QuoteMeta(opts.IDSuffix)))
	}

	if err := s.readHeader(); err != nil {
		file.Close()
		return nil, err
	}

	// Fail fast: validate the first data row before the caller fans out,
	// so a whole-file formatting error never costs a scan of millions of
	// rows.
	first, err := s.nextValidRow()
	if err != nil && !errors.Is(err, io.EOF) {
		file.Close()
		return nil, err
	}
	if err == nil {
		s.pending = &first
	} else {
		s.done = true
	}

	return s, nil
}

// inferDelimiter determines the field delimiter from the file extension,
// falling back to sniffing the first line. Only comma and tab are accepted.
func inferDelimiter(path string, buffered *bufio.Reader) (rune, error) {
	switch {
	case strings.HasSuffix(path, ".csv"):
		return ',', nil
	case strings.HasSuffix(path, ".tsv"):
		return '\t', nil
	}

	peeked, err := buffered.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("cannot sniff delimiter of %s: %w", path, err)
	}
	if i := bytes.IndexByte(peeked, '\n'); i >= 0 {
		peeked = peeked[:i]
	}
	switch {
	case bytes.ContainsRune(peeked, '\t'):
		return '\t', nil
	case bytes.ContainsRune(peeked, ','):
		return ',', nil
	}
	return 0, fmt.Errorf("cannot determine delimiter of %s (expected comma or tab): %w", path, ErrMalformedInput)
}

// readHeader parses the header line into the identifier-kind chain and the
// optional edit path expression.
func (s *Source) readHeader() error {
	header, err := s.reader.Read()
	if err != nil {
		return fmt.Errorf("input file %s has no header: %w", s.path, ErrMalformedInput)
	}
	if len(header) < 1 || strings.TrimSpace(header[0]) == "" {
		return fmt.Errorf("input file %s has an empty identifier header: %w", s.path, ErrMalformedInput)
	}
	if s.opts.RequireEdit && (len(header) < 2 || strings.TrimSpace(header[1]) == "") {
		return fmt.Errorf("input file %s has no edit path column: %w", s.path, ErrMalformedInput)
	}

	s.kinds = splitChain(header[0])
	if len(header) >= 2 {
		s.editPath = strings.TrimSpace(header[1])
	}
	return nil
}

// Kinds returns the identifier-kind chain of the header, outermost first.
func (s *Source) Kinds() []string {
	return s.kinds
}

// EditPath returns the edit path expression of the header, empty when the
// file has no edit column.
func (s *Source) EditPath() string {
	return s.editPath
}

// Next returns the next SourceRow. It returns io.EOF once the file is
// exhausted and an error wrapping ErrMalformedInput for structurally
// invalid rows.
func (s *Source) Next() (model.SourceRow, error) {
	if s.pending != nil {
		row := *s.pending
		s.pending = nil
		return row, nil
	}
	if s.done {
		return model.SourceRow{}, io.EOF
	}
	row, err := s.nextValidRow()
	if errors.Is(err, io.EOF) {
		s.done = true
	}
	return row, err
}

// nextValidRow reads rows until one passes validation. Rows failing the
// optional Alma-ID check are discarded with a warning, as the original
// inputs often carry stray lines; structural violations abort the parse.
func (s *Source) nextValidRow() (model.SourceRow, error) {
	for {
		record, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			return model.SourceRow{}, io.EOF
		}
		if err != nil {
			return model.SourceRow{}, fmt.Errorf("reading %s: %w", s.path, err)
		}

		row, err := s.buildRow(record)
		if err != nil {
			return model.SourceRow{}, err
		}

		if s.idPattern != nil && !s.rowHasValidIDs(row) {
			logger.Warnf("Discarding row with invalid Alma ID(s): %v", record)
			continue
		}
		return row, nil
	}
}

// buildRow decomposes one record into a SourceRow and enforces the
// structural invariants.
func (s *Source) buildRow(record []string) (model.SourceRow, error) {
	if len(record) < 1 || strings.TrimSpace(record[0]) == "" {
		return model.SourceRow{}, fmt.Errorf("row in %s has an empty identifier cell: %w", s.path, ErrMalformedInput)
	}

	values := splitChain(record[0])
	if len(values) != len(s.kinds) {
		return model.SourceRow{}, fmt.Errorf(
			"row in %s has %d identifier value(s) for %d kind(s): %w",
			s.path, len(values), len(s.kinds), ErrMalformedInput)
	}
	for _, v := range values {
		if v == "" {
			return model.SourceRow{}, fmt.Errorf("row in %s has an empty identifier value: %w", s.path, ErrMalformedInput)
		}
	}

	row := model.SourceRow{
		Kinds:    s.kinds,
		Values:   values,
		EditPath: s.editPath,
	}
	if len(record) >= 2 {
		row.EditValue = record[1]
	}
	if s.opts.RequireEdit && len(record) < 2 {
		return model.SourceRow{}, fmt.Errorf("row in %s has no edit value cell: %w", s.path, ErrMalformedInput)
	}
	return row, nil
}

// rowHasValidIDs checks every identifier value of the row against the Alma
// ID pattern.
func (s *Source) rowHasValidIDs(row model.SourceRow) bool {
	for _, v := range row.Values {
		if !s.idPattern.MatchString(v) {
			return false
		}
	}
	return true
}

// ReadAll drains the source into a slice and closes it.
func (s *Source) ReadAll() ([]model.SourceRow, error) {
	defer s.Close()

	var rows []model.SourceRow
	for {
		row, err := s.Next()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// Close releases the underlying file.
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// splitChain splits a comma-joined chain cell into its trimmed parts.
// The join/split lives only at this input boundary; everywhere else the
// chain is an ordered slice.
func splitChain(cell string) []string {
	parts := strings.Split(cell, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// ExtractIdentifiers returns the compound identifier strings of the rows,
// for delete-style flows that need only addresses.
func ExtractIdentifiers(rows []model.SourceRow) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.CompoundID())
	}
	return ids
}

// WorkItems converts SourceRows into WorkItems, attaching an
// EditInstruction with the given mode when the source carries edit columns.
func WorkItems(rows []model.SourceRow, mode model.Mode) []model.WorkItem {
	items := make([]model.WorkItem, 0, len(rows))
	for _, row := range rows {
		item := model.WorkItem{Identifiers: row.Values}
		if row.EditPath != "" {
			item.Edit = &model.EditInstruction{
				Path:  row.EditPath,
				Value: row.EditValue,
				Mode:  mode,
			}
		}
		items = append(items, item)
	}
	return items
}
