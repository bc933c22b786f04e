package backend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexsync/pkg/document"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

func bookDoc(t *testing.T, title string, pages any) *document.Node {
	t.Helper()
	doc := document.New(nil)
	require.NoError(t, doc.SetDynamic("title", title))
	if pages != nil {
		require.NoError(t, doc.SetDynamic("pages", pages))
	}
	return doc
}

func upsert(t *testing.T, tenant, id string, doc *document.Node) *work.Descriptor {
	t.Helper()
	return work.NewDocumentWork(work.KindAddOrUpdate, "books", id).
		Tenant(tenant).
		Entity(work.EntityReference{EntityName: "Book", ID: id}).
		Document(doc).
		MustBuild()
}

func remove(tenant, id string) *work.Descriptor {
	return work.NewDocumentWork(work.KindDelete, "books", id).
		Tenant(tenant).
		Entity(work.EntityReference{EntityName: "Book", ID: id}).
		MustBuild()
}

// tenBooks returns ten upserts where the fifth has a non-numeric page count.
func tenBooks(t *testing.T) []*work.Descriptor {
	t.Helper()
	batch := make([]*work.Descriptor, 0, 10)
	for i := 0; i < 10; i++ {
		var pages any = i * 10
		if i == 4 {
			pages = "many"
		}
		batch = append(batch, upsert(t, "acme", fmt.Sprintf("%d", i), bookDoc(t, fmt.Sprintf("Book %d", i), pages)))
	}
	return batch
}

var pagesMapping = Mapping{"title": document.TypeText, "pages": document.TypeInt}
