// Package document provides the document model handed to search backends.
//
// A document is a tree of named fields. Leaf fields hold typed values
// (string, text, int, float, bool, date); composite fields hold nested
// objects. Field names are declared once per schema path on an
// ObjectSchema before any Node bound to that schema may write them:
//
//	schema := document.NewSchema()
//	title, _ := schema.Value("title", document.TypeText)
//	authors, _ := schema.ObjectList("authors")
//	name, _ := authors.Object.Value("name", document.TypeString)
//
//	doc := document.New(schema)
//	_ = doc.Set(title, "Dune")
//	author, _ := doc.AddObject(authors)
//	_ = author.Set(name, "Frank Herbert")
//
// Nodes are built per entity at write time and discarded once the
// backend has serialized them. They are not safe for concurrent writes.
package document
