package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	deviceName string
	connector  int
	current    float64
	dimmer     string
	downLight  string
	apiAddr    string
)

const defaultAPIAddr = "http://localhost:8080"

// API response types, mirrored from the server so the CLI stays a thin
// HTTP client.
type apiPortStatus struct {
	Connector       int     `json:"connector"`
	ConnectionState string  `json:"connection_state"`
	On              bool    `json:"on"`
	CurrentLimitA   float64 `json:"current_limit_a"`
	RFIDLock        bool    `json:"rfid_lock"`
	CableLock       bool    `json:"cable_lock"`
	NowKwh          float64 `json:"now_kwh"`
	LastSessionKwh  float64 `json:"last_session_kwh"`
	MeterKwh        float64 `json:"meter_kwh"`
	PowerKw         float64 `json:"power_kw"`
}

type apiDeviceStatus struct {
	Name     string          `json:"name"`
	Model    string          `json:"model"`
	Firmware string          `json:"firmware"`
	Protocol string          `json:"protocol"`
	Online   bool            `json:"online"`
	Dimmer   string          `json:"dimmer"`
	OutletOn *bool           `json:"outlet_on"`
	LastSync time.Time       `json:"last_sync"`
	Ports    []apiPortStatus `json:"ports"`
}

type apiSuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Control charge point operations",
	Long:  `Send control commands to bridged charge points through the local API.`,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show charge point status",
	Long:  `Display the current status of one charge point or all of them.`,
	RunE:  getStatus,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start charging",
	Long:  `Switch charging on for a connector.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(http.MethodPost, connectorURL("start"), nil)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop charging",
	Long:  `Switch charging off for a connector (remote stop, then settings write).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(http.MethodPost, connectorURL("stop"), nil)
	},
}

var setCurrentCmd = &cobra.Command{
	Use:   "set-current",
	Short: "Set charging current limit",
	Long:  `Set the maximum charging current limit in Amperes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(http.MethodPut, connectorURL("current"), map[string]float64{"current": current})
	},
}

var setRFIDCmd = &cobra.Command{
	Use:   "set-rfid on|off",
	Short: "Toggle RFID authorization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		return sendCommand(http.MethodPut, connectorURL("rfid"), map[string]bool{"enabled": enabled})
	},
}

var setCableLockCmd = &cobra.Command{
	Use:   "set-cable-lock on|off",
	Short: "Toggle the cable lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		locked, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		return sendCommand(http.MethodPut, connectorURL("cablelock"), map[string]bool{"locked": locked})
	},
}

var setLightCmd = &cobra.Command{
	Use:   "set-light",
	Short: "Set the LED ring dimmer and ground light",
	Long:  `Adjust the status LED dimmer (Off, Low, Medium, High) and/or the ground light.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dimmer == "" && downLight == "" {
			return fmt.Errorf("at least one of --dimmer and --down-light is required")
		}
		payload := map[string]interface{}{}
		if dimmer != "" {
			payload["dimmer"] = dimmer
		}
		if downLight != "" {
			on, err := parseOnOff(downLight)
			if err != nil {
				return err
			}
			payload["down_light"] = on
		}
		url := fmt.Sprintf("%s/api/devices/%s/light", apiAddr, deviceName)
		return sendCommand(http.MethodPut, url, payload)
	},
}

var setOutletCmd = &cobra.Command{
	Use:   "set-outlet on|off",
	Short: "Switch the auxiliary outlet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		url := fmt.Sprintf("%s/api/devices/%s/outlet", apiAddr, deviceName)
		return sendCommand(http.MethodPut, url, map[string]bool{"on": on})
	},
}

func init() {
	rootCmd.AddCommand(controlCmd)

	controlCmd.AddCommand(statusCmd)
	controlCmd.AddCommand(startCmd)
	controlCmd.AddCommand(stopCmd)
	controlCmd.AddCommand(setCurrentCmd)
	controlCmd.AddCommand(setRFIDCmd)
	controlCmd.AddCommand(setCableLockCmd)
	controlCmd.AddCommand(setLightCmd)
	controlCmd.AddCommand(setOutletCmd)

	controlCmd.PersistentFlags().StringVar(&apiAddr, "api", defaultAPIAddr, "API server address")

	statusCmd.Flags().StringVarP(&deviceName, "device", "d", "", "device name (optional, shows all if not specified)")

	for _, c := range []*cobra.Command{startCmd, stopCmd, setCurrentCmd, setRFIDCmd, setCableLockCmd} {
		c.Flags().StringVarP(&deviceName, "device", "d", "", "device name (required)")
		c.Flags().IntVarP(&connector, "connector", "n", 1, "connector number")
		c.MarkFlagRequired("device")
	}

	setCurrentCmd.Flags().Float64VarP(&current, "current", "a", 0, "current limit in Amperes (required)")
	setCurrentCmd.MarkFlagRequired("current")

	setLightCmd.Flags().StringVarP(&deviceName, "device", "d", "", "device name (required)")
	setLightCmd.Flags().StringVar(&dimmer, "dimmer", "", "LED dimmer level: Off, Low, Medium or High")
	setLightCmd.Flags().StringVar(&downLight, "down-light", "", "ground light: on or off")
	setLightCmd.MarkFlagRequired("device")

	setOutletCmd.Flags().StringVarP(&deviceName, "device", "d", "", "device name (required)")
	setOutletCmd.MarkFlagRequired("device")
}

func connectorURL(action string) string {
	return fmt.Sprintf("%s/api/devices/%s/connectors/%d/%s", apiAddr, deviceName, connector, action)
}

func parseOnOff(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

func getStatus(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tMODEL\tONLINE\tPORT\tSTATE\tMODE\tCURRENT\tPOWER\tMETER")
	fmt.Fprintln(w, "------\t-----\t------\t----\t-----\t----\t-------\t-----\t-----")

	if deviceName != "" {
		var status apiDeviceStatus
		if err := fetchJSON(fmt.Sprintf("%s/api/devices/%s", apiAddr, deviceName), &status); err != nil {
			return err
		}
		printDeviceStatus(w, status)
	} else {
		var statuses []apiDeviceStatus
		if err := fetchJSON(fmt.Sprintf("%s/api/devices", apiAddr), &statuses); err != nil {
			return err
		}
		for _, status := range statuses {
			printDeviceStatus(w, status)
		}
	}

	w.Flush()
	return nil
}

func printDeviceStatus(w *tabwriter.Writer, status apiDeviceStatus) {
	online := "No"
	if status.Online {
		online = "Yes"
	}

	for _, port := range status.Ports {
		mode := "Off"
		if port.On {
			mode = "On"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%.1fA\t%.2fkW\t%.2fkWh\n",
			status.Name,
			status.Model,
			online,
			port.Connector,
			port.ConnectionState,
			mode,
			port.CurrentLimitA,
			port.PowerKw,
			port.MeterKwh,
		)
	}
}

// fetchJSON GETs a URL and decodes the response body.
func fetchJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to API server: %w\nMake sure the service is running with: chargeamps-bridge run", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp apiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("API error: %s", errResp.Error)
		}
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// sendCommand issues one mutating API call and prints the server's message.
func sendCommand(method, url string, payload interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to API server: %w\nMake sure the service is running with: chargeamps-bridge run", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		var errResp apiErrorResponse
		if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("API error: %s", errResp.Error)
		}
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var success apiSuccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&success); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("✓ %s\n", success.Message)
	return nil
}
