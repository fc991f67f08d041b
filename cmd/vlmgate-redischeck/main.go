package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cameragenai/vlmgate/pkg/redischeck"
)

func main() {
	var opts redischeck.Options
	flag.StringVar(&opts.Host, "host", redischeck.DefaultHost, "Redis server hostname or IP")
	flag.IntVar(&opts.Port, "port", redischeck.DefaultPort, "Redis server port")
	flag.StringVar(&opts.Password, "password", "", "Redis password (if required)")
	flag.IntVar(&opts.DB, "db", 0, "Redis database number")
	flag.Parse()

	report, err := redischeck.Check(context.Background(), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	report.Print(os.Stdout)
}
