package main

import (
	"context"
	"log"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/call-voice-lab/internal/knowledge"
)

func main() {
	server := sdk.NewServer(&sdk.Implementation{Name: "knowledge-test", Version: "1.0.0"}, nil)
	knowledge.RegisterSearchTool(server, knowledge.NewCorpus([]knowledge.Document{
		{ID: "hours", Title: "Opening hours", Text: "We are open 9am to 5pm on weekdays."},
		{ID: "parking", Title: "Parking", Text: "Free parking is available behind the building."},
	}))
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		log.Printf("server exited: %v", err)
	}
}
