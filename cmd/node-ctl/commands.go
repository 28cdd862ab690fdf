package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	loginPassword string

	listLimit  int
	listOffset int
	eventType  string
	eventLevel string
	frameDir   string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain an access token",
	Long: `Exchanges the operator password for a token pair. The password is
read from --password or the NODECTL_PASSWORD environment variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			password = os.Getenv("NODECTL_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("password required (--password or NODECTL_PASSWORD)")
		}

		body, err := json.Marshal(map[string]string{"password": password})
		if err != nil {
			return err
		}
		return apiCall(http.MethodPost, "/api/v1/auth/login", body)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the control loop status snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodGet, "/api/v1/status", nil)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List device events",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(listLimit))
		q.Set("offset", strconv.Itoa(listOffset))
		if eventType != "" {
			q.Set("type", eventType)
		}
		if eventLevel != "" {
			q.Set("level", eventLevel)
		}
		return apiCall(http.MethodGet, "/api/v1/events?"+q.Encode(), nil)
	},
}

var framesCmd = &cobra.Command{
	Use:   "frames",
	Short: "List logged frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(listLimit))
		q.Set("offset", strconv.Itoa(listOffset))
		if frameDir != "" {
			q.Set("direction", frameDir)
		}
		return apiCall(http.MethodGet, "/api/v1/frames?"+q.Encode(), nil)
	},
}

var uplinkCmd = &cobra.Command{
	Use:   "uplink",
	Short: "Poke the node to transmit now",
	Long:  `Behaves exactly as if the duty-cycle timer fired.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodPost, "/api/v1/uplink", nil)
	},
}

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Stream live device events",
	Long:  `Follows the node's event stream over a WebSocket until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if authToken == "" {
			return fmt.Errorf("token required (--token or NODECTL_TOKEN)")
		}

		wsURL := strings.Replace(serverURL, "http", "ws", 1)
		wsURL += "/api/v1/events/live?token=" + url.QueryEscape(authToken)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", wsURL, err)
		}
		defer conn.Close()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			conn.Close()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return nil
			}
			printJSON(data)
		}
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Operator password")

	for _, c := range []*cobra.Command{eventsCmd, framesCmd} {
		c.Flags().IntVarP(&listLimit, "limit", "n", 20, "Page size")
		c.Flags().IntVar(&listOffset, "offset", 0, "Page offset")
	}
	eventsCmd.Flags().StringVar(&eventType, "type", "", "Filter by event type")
	eventsCmd.Flags().StringVar(&eventLevel, "level", "", "Filter by event level")
	framesCmd.Flags().StringVar(&frameDir, "direction", "", "Filter by direction (UP|DOWN)")
}

// apiCall performs one request against the control API and pretty-prints
// the JSON response.
func apiCall(method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	printJSON(data)
	return nil
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}
