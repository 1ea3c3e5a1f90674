package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"claudeflow/sdk/go/claudeflow"
)

func main() {
	server := os.Getenv("FLOWCTL_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	client, err := claudeflow.NewClient(server, claudeflow.WithToken(os.Getenv("FLOWCTL_TOKEN")))
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stream, err := client.Subscribe(ctx, claudeflow.StreamOptions{Types: []claudeflow.EventType{claudeflow.EventAgentMessage}})
	if err != nil {
		log.Fatal(err)
	}
	defer stream.Close()
	tracker, err := claudeflow.NewTracker(128)
	if err != nil {
		log.Fatal(err)
	}
	tracker.Attach(stream)
	stream.On(claudeflow.EventAgentMessage, func(evt claudeflow.Event) {
		fmt.Printf("[%s] %s\n", evt.Agent, evt.Message)
	})

	created, err := client.CreateTask(ctx, claudeflow.CreateTaskRequest{
		Prompt:      "Explica cómo funcionan los canales en Go",
		TargetAgent: "profesor",
		Priority:    claudeflow.Priority(claudeflow.DefaultPriority),
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", created.ID, created.Status)

	done, err := client.WaitForCompletion(ctx, created.ID, claudeflow.WaitOptions{Timeout: 30 * time.Second})
	if err != nil {
		log.Fatal(err)
	}
	tracker.ApplySnapshot(*done)
	fmt.Printf("task %s finished with status %s\n\n%s\n", done.ID, done.Status, done.Output)
}
