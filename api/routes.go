package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/docgen"
)

// RoutesDoc renders the router's route table as markdown, the same
// docgen.MarkdownRoutesDoc call chi's own examples use to keep an
// operator-facing route list in sync with the code. It is meant to be run
// from a //go:generate directive or a one-off script, never at request
// time — this handler's job is request handling, not documentation.
func RoutesDoc(r chi.Router) string {
	return docgen.MarkdownRoutesDoc(r, docgen.MarkdownOpts{
		ProjectPath: "github.com/matter-labs/zksync-withdrawal-finalizer",
		Intro:       "Read-only HTTP surface of the withdrawal finalizer (§1, §6): no endpoint here mutates state.",
	})
}
