// Package util provides shared helpers for command-line processing.
package util

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flame4/tikv/rpc/serializer"
	"github.com/flame4/tikv/rpc/transport"
	"github.com/flame4/tikv/rpc/transport/tcp"
	"github.com/flame4/tikv/rpc/transport/unix"
)

const (
	// Wrap defines the max line length for flag help texts
	Wrap = 80
)

// WrapString wraps a string to the width defined by Wrap, preserving words.
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	words := strings.Fields(text)
	for _, word := range words {
		wordWidth := len(word)

		// Check if adding this word would exceed the wrap width
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// ParseClusterMembers parses a comma-separated list of 'storeID=address'
// entries into a store-id to address map.
func ParseClusterMembers(spec string) (map[uint64]string, error) {
	if spec == "" {
		return nil, nil
	}
	members := make(map[uint64]string)
	for _, member := range strings.Split(spec, ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid cluster member format: %s (expected storeID=address)", member)
		}
		storeID, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid store ID %s: %v", parts[0], err)
		}
		members[storeID] = strings.TrimSpace(parts[1])
	}
	return members, nil
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetServerTransport creates the listening transport based on configuration
func GetServerTransport() (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetClientFactory returns the factory used for peer connections, matching
// the configured transport kind.
func GetClientFactory() (func() transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPClientTransport, nil
	case "unix":
		return unix.NewUnixClientTransport, nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
