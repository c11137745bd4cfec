// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
	tib = 1 << 40
)

func fmtBytes(bytes int64) string {
	switch {
	case bytes < 0:
		return "unknown"
	case bytes < kib:
		return fmt.Sprintf("%d bytes", bytes)
	case bytes < mib:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kib)
	case bytes < gib:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mib)
	case bytes < tib:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gib)
	default:
		return fmt.Sprintf("%.1f TB", float64(bytes)/tib)
	}
}

func fail(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	cli.Exit(100)
}

// parseEndpoint splits an endpoint argument of the form "profile" or
// "profile@region" into its parts.  An empty region defers to whatever
// the profile itself configures.
func parseEndpoint(endpoint string) (profile, region string) {
	if i := strings.IndexByte(endpoint, '@'); i >= 0 {
		return endpoint[:i], endpoint[i+1:]
	}
	return endpoint, ""
}

// initAWS builds a DynamoDB client for a single endpoint, using the
// named shared-config profile with an optional region override.
func initAWS(endpoint string, maxRetries *flagvals.RangeInt) *dynamodb.DynamoDB {
	profile, region := parseEndpoint(endpoint)

	// Workaround for https://github.com/aws/aws-sdk-go/issues/1139
	r := &CustomRetryer{
		DefaultRetryer: &client.DefaultRetryer{
			NumMaxRetries: int(maxRetries.Value),
		},
	}

	cfg := aws.NewConfig()
	cfg = request.WithRetryer(cfg, r)
	if region != "" {
		cfg = cfg.WithRegion(region)
	}

	s, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		Profile:           profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		fail("Failed to create AWS session for %q: %v", endpoint, err)
	}

	return dynamodb.New(s)
}

type CustomRetryer struct {
	*client.DefaultRetryer
}

func (cr *CustomRetryer) ShouldRetry(r *request.Request) bool {
	// Scan seems to frequently drop connections, which results in a
	// SerializationError; trap and force a retry.
	if r.Error != nil && r.Operation.Name == "Scan" {
		if err, ok := r.Error.(awserr.Error); ok {
			if err.Code() == "SerializationError" {
				return true
			}
		}
	}

	return cr.DefaultRetryer.ShouldRetry(r)
}
