package knowledge

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// SearchTool is the MCP tool name the retriever calls.
const SearchTool = "knowledge_search"

type SearchArgs struct {
	Query string `json:"query" jsonschema:"caller question, already redacted"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"maximum passages to return"`
	Lang  string `json:"lang,omitempty" jsonschema:"optional language filter"`
}

// RegisterSearchTool exposes corpus search on server. Each hit is returned
// as one text content item.
func RegisterSearchTool(server *sdk.Server, corpus *Corpus) {
	sdk.AddTool(server, &sdk.Tool{
		Name:        SearchTool,
		Description: "Search the business knowledge base for passages relevant to a caller question",
	}, func(ctx context.Context, req *sdk.CallToolRequest, args SearchArgs) (*sdk.CallToolResult, any, error) {
		if strings.TrimSpace(args.Query) == "" {
			return nil, nil, errors.New("query is required")
		}
		hits := corpus.Search(args.Query, args.TopK, args.Lang)
		res := &sdk.CallToolResult{Content: make([]sdk.Content, 0, len(hits))}
		for _, h := range hits {
			res.Content = append(res.Content, &sdk.TextContent{Text: h.Doc.Passage()})
		}
		return res, nil, nil
	})
}
