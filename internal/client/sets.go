package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/tigerroll/almapipo/internal/support/exception"
	"github.com/tigerroll/almapipo/internal/support/logger"
)

// setPageSize is the member page size used when enumerating a set. The Alma
// conf API caps limit at 100.
const setPageSize = 100

// RetrieveSetMemberIDs pages through the members of an Alma set and returns
// one comma-joined identifier chain per member.
//
// The chain is derived from each member's link attribute, which carries the
// full ownership path (e.g. .../bibs/{mms}/holdings/{hol}/items/{item}).
// Members without a link fall back to their plain ID; note that a plain ID
// is not always sufficient to address hierarchical record types, so callers
// should test this against their set before relying on it.
func (c *AlmaClient) RetrieveSetMemberIDs(ctx context.Context, setID string) ([]string, error) {
	logger.Infof("Trying to extract identifiers for all members of set %s.", setID)

	var ids []string
	offset := 0

	for {
		path := fmt.Sprintf("/conf/sets/%s/members?limit=%d&offset=%d", setID, setPageSize, offset)
		status, body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, exception.NewBatchError(moduleName,
				fmt.Sprintf("retrieving members of set %s returned status %d", setID, status), nil, false, true)
		}

		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(body); err != nil {
			return nil, exception.NewBatchError(moduleName,
				fmt.Sprintf("member response of set %s is not parseable as XML", setID), err, false, false)
		}

		members := doc.FindElements("//member")
		for _, member := range members {
			if chain := chainFromMember(c.baseURL, member); chain != "" {
				ids = append(ids, chain)
			} else {
				logger.Warnf("Set %s has a member without link or id; skipping.", setID)
			}
		}

		total := totalRecordCount(doc)
		offset += len(members)
		if len(members) == 0 || offset >= total {
			break
		}
	}

	logger.Infof("Set %s yielded %d member identifier(s).", setID, len(ids))
	return ids, nil
}

// chainFromMember derives the comma-joined identifier chain of one member
// element, preferring the link attribute over the plain ID.
func chainFromMember(baseURL string, member *etree.Element) string {
	if link := member.SelectAttrValue("link", ""); link != "" {
		if chain := chainFromLink(baseURL, link); chain != "" {
			return chain
		}
	}
	if id := member.SelectElement("id"); id != nil {
		return strings.TrimSpace(id.Text())
	}
	return ""
}

// chainFromLink extracts the identifier chain from a member's API link.
// The link path alternates record-type and ID segments
// ("bibs/99x/holdings/22x/items/23x"); every second segment is an ID.
func chainFromLink(baseURL, link string) string {
	path := strings.TrimPrefix(link, baseURL)
	path = strings.Trim(path, "/")
	if path == "" {
		return ""
	}

	segments := strings.Split(path, "/")
	var ids []string
	for i := 1; i < len(segments); i += 2 {
		ids = append(ids, segments[i])
	}
	return strings.Join(ids, ",")
}

// totalRecordCount reads the total_record_count attribute of the members
// root element, 0 when absent.
func totalRecordCount(doc *etree.Document) int {
	root := doc.Root()
	if root == nil {
		return 0
	}
	n, err := strconv.Atoi(root.SelectAttrValue("total_record_count", "0"))
	if err != nil {
		return 0
	}
	return n
}
