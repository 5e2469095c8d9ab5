// Package xmlmod implements generic XML modifications on fetched records:
// locate-or-create an element by path and rewrite its text, remove elements,
// or append new children. All operations are pure tree mutations; callers
// own parsing and serialization boundaries via Parse and Serialize.
package xmlmod

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/tigerroll/almapipo/internal/domain/model"
	"github.com/tigerroll/almapipo/internal/support/exception"
)

const moduleName = "xmlmod"

// Parse reads an XML document from raw bytes. An unparsable document is a
// per-record failure for the caller to log and skip, never a batch-fatal
// condition.
func Parse(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, exception.NewBatchError(moduleName, "record is not parseable as XML", err, true, false)
	}
	return doc, nil
}

// Serialize renders the document back to bytes.
func Serialize(doc *etree.Document) ([]byte, error) {
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to serialize record", err, false, false)
	}
	return data, nil
}

// Update locates the elements matching pathExpr and rewrites their text
// under the given mode. When the path matches nothing, the full missing
// chain of intermediate elements is created in path order (each new child
// appended at the end of its parent's existing children) and the mutation is
// applied to the new leaf.
//
// A path matching multiple nodes mutates every match. Callers needing
// single-node precision must supply a sufficiently specific path.
func Update(doc *etree.Document, pathExpr, value string, mode model.Mode) error {
	path, err := etree.CompilePath(pathExpr)
	if err != nil {
		return exception.NewBatchError(moduleName, fmt.Sprintf("invalid path expression %q", pathExpr), err, false, false)
	}

	targets := doc.FindElementsPath(path)
	if len(targets) == 0 {
		leaf, err := createChain(doc, pathExpr)
		if err != nil {
			return err
		}
		targets = []*etree.Element{leaf}
	}

	for _, el := range targets {
		switch mode {
		case model.ModeReplace:
			el.SetText(value)
		case model.ModeAppend:
			el.SetText(el.Text() + value)
		case model.ModePrepend:
			el.SetText(value + el.Text())
		default:
			return exception.NewBatchError(moduleName, fmt.Sprintf("unknown mutation mode %q", mode), nil, false, false)
		}
	}
	return nil
}

// RemoveAll removes every element matching pathExpr from the document and
// returns the number of removed elements.
func RemoveAll(doc *etree.Document, pathExpr string) (int, error) {
	path, err := etree.CompilePath(pathExpr)
	if err != nil {
		return 0, exception.NewBatchError(moduleName, fmt.Sprintf("invalid path expression %q", pathExpr), err, false, false)
	}

	removed := 0
	for _, el := range doc.FindElementsPath(path) {
		if parent := el.Parent(); parent != nil {
			parent.RemoveChild(el)
			removed++
		}
	}
	return removed, nil
}

// AddChild appends a new element with the given tag, text and attributes
// under every element matching parentPath. It returns the number of parents
// the child was added to.
func AddChild(doc *etree.Document, parentPath, tag, text string, attrs map[string]string) (int, error) {
	path, err := etree.CompilePath(parentPath)
	if err != nil {
		return 0, exception.NewBatchError(moduleName, fmt.Sprintf("invalid path expression %q", parentPath), err, false, false)
	}

	added := 0
	for _, parent := range doc.FindElementsPath(path) {
		child := parent.CreateElement(tag)
		for k, v := range attrs {
			child.CreateAttr(k, v)
		}
		if text != "" {
			child.SetText(text)
		}
		added++
	}
	return added, nil
}

// createChain walks pathExpr segment by segment from the document root,
// reusing existing elements and creating the missing remainder. Predicates
// are stripped from created segments: a predicate can name a position or
// attribute that element creation cannot satisfy.
func createChain(doc *etree.Document, pathExpr string) (*etree.Element, error) {
	var current *etree.Element

	for _, segment := range strings.Split(pathExpr, "/") {
		tag := stripPredicate(segment)
		if tag == "" || tag == "." {
			continue
		}
		if tag == ".." {
			return nil, exception.NewBatchError(moduleName,
				fmt.Sprintf("cannot create elements for path %q containing '..'", pathExpr), nil, false, false)
		}

		if current == nil {
			root := doc.Root()
			if root == nil {
				current = doc.CreateElement(tag)
				continue
			}
			// An absolute path repeats the root tag as its first segment;
			// a relative one starts below the root.
			if root.Tag == tag {
				current = root
				continue
			}
			current = root
		}

		child := current.SelectElement(tag)
		if child == nil {
			child = current.CreateElement(tag)
		}
		current = child
	}

	if current == nil {
		return nil, exception.NewBatchError(moduleName,
			fmt.Sprintf("path %q yields no element to create", pathExpr), nil, false, false)
	}
	return current, nil
}

// stripPredicate drops a trailing [...] qualifier from a path segment.
func stripPredicate(segment string) string {
	if i := strings.IndexByte(segment, '['); i >= 0 {
		segment = segment[:i]
	}
	return strings.TrimSpace(segment)
}
