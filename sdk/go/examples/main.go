package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"AppRuntime/sdk/go/runtimeclient"
)

func main() {
	baseURL := os.Getenv("RUNTIME_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := runtimeclient.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	plugins, err := client.ListPlugins(ctx)
	if err != nil {
		panic(err)
	}
	for _, p := range plugins {
		fmt.Printf("plugin %s %s: %s\n", p.Name, p.Version, p.State)
	}

	for _, latency := range []int{12, 40, 7} {
		if _, err := client.PublishEvent(ctx, "request.completed", map[string]any{"latency": latency}); err != nil {
			panic(err)
		}
	}

	summary, err := client.EnqueueTask(ctx, "metrics.snapshot", nil)
	if err != nil {
		panic(err)
	}
	fmt.Printf("enqueued task %s\n", summary.TaskID)

	done, err := client.WaitForTask(ctx, summary.TaskID, 200*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished as %s: %v\n", done.ID, done.Status, done.Result)
}
