// weedctl exercises a deployed weed-detection API: it checks the
// liveness, banner, and diagnostic routes and optionally uploads an
// image for prediction, printing a pass/fail summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/agrovision/weed-detection-service/client"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8000", "base URL of the deployed API")
		image   = flag.String("image", "", "path of an image to send to /predict (optional)")
		timeout = flag.Duration("timeout", 60*time.Second, "per-request timeout (cold starts need a generous one)")
		retries = flag.Int("retries", client.DefaultRetries, "retry attempts on gateway errors (0 disables)")
	)
	flag.Parse()

	c := client.New(*baseURL, client.Options{
		Timeout: *timeout,
		Retries: *retries,
		WakeUp:  true,
	})

	ctx := context.Background()
	type check struct {
		name string
		ok   bool
	}
	var results []check

	fmt.Printf("Checking %s\n\n", *baseURL)

	err := c.Health(ctx)
	report("Health Check", err)
	results = append(results, check{"Health Check", err == nil})

	info, err := c.Info(ctx)
	report("Root Endpoint", err)
	if err == nil {
		fmt.Printf("  service: %v, classes: %v\n", info["service"], info["classes"])
	}
	results = append(results, check{"Root Endpoint", err == nil})

	_, err = c.Test(ctx)
	report("Test Endpoint", err)
	results = append(results, check{"Test Endpoint", err == nil})

	if *image != "" {
		data, err := os.ReadFile(*image)
		if err != nil {
			log.Fatalf("read image: %v", err)
		}
		result, err := c.Predict(ctx, data, filepath.Base(*image))
		report("Predict Endpoint", err)
		if err == nil {
			fmt.Printf("  %d detection(s)\n", result.NumDetections)
			for i := 0; i < result.NumDetections; i++ {
				fmt.Printf("  - %-18s conf=%.2f box=%v\n",
					result.Classes[i], result.Confidences[i], result.Boxes[i])
			}
		}
		results = append(results, check{"Predict Endpoint", err == nil})
	} else {
		fmt.Println("\nNo -image given, skipping /predict")
	}

	fmt.Println("\nSummary:")
	failed := false
	for _, r := range results {
		status := "PASS"
		if !r.ok {
			status = "FAIL"
			failed = true
		}
		fmt.Printf("  %s: %s\n", status, r.name)
	}
	if failed {
		os.Exit(1)
	}
}

func report(name string, err error) {
	if err != nil {
		fmt.Printf("%s: FAIL (%v)\n", name, err)
		return
	}
	fmt.Printf("%s: OK\n", name)
}
