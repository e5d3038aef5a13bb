package browser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/handover/internal/models"
)

// ShareIframe is the frame the Drive share dialog renders its buttons in
const ShareIframe = "share-client-content-iframe"

// DefaultAcceptFlow opens the invitation message, follows it through to the
// Drive share dialog and clicks Accept.
func DefaultAcceptFlow() models.AutomationFlow {
	return models.AutomationFlow{
		Name: "accept-ownership",
		Steps: []models.AutomationStep{
			{
				Name:   "open-message",
				Action: models.ActionNavigate,
				URL:    "https://mail.google.com/mail/u/{account_index}/#inbox/{message_id}",
			},
			{
				Name:   "open-in-new-window",
				Action: models.ActionClick,
				Locators: []models.Locator{
					{Kind: models.LocatorXPath, Value: "//button[@aria-label='In new window']"},
					{Kind: models.LocatorText, Value: "In new window"},
					{Kind: models.LocatorCSS, Value: "[data-tooltip='In new window']"},
				},
			},
			{
				Name:   "switch-to-message-window",
				Action: models.ActionSwitchWindow,
				Wait:   models.WaitWindowCount,
			},
			{
				Name:   "click-respond",
				Action: models.ActionClick,
				Locators: []models.Locator{
					{Kind: models.LocatorXPath, Value: "//a[contains(normalize-space(.),'Respond')]"},
					{Kind: models.LocatorText, Value: "Respond"},
				},
			},
			{
				Name:   "switch-to-share-window",
				Action: models.ActionSwitchWindow,
				Wait:   models.WaitWindowCount,
			},
			{
				Name:   "accept-in-share-dialog",
				Action: models.ActionSwitchFrame,
				Locators: []models.Locator{
					{Kind: models.LocatorCSS, Value: "iframe." + ShareIframe},
					{Kind: models.LocatorXPath, Value: "//iframe[contains(@class,'" + ShareIframe + "') or @id='" + ShareIframe + "' or @name='" + ShareIframe + "']"},
				},
				Steps: []models.AutomationStep{
					{
						Name:   "click-accept",
						Action: models.ActionClick,
						Locators: []models.Locator{
							{Kind: models.LocatorXPath, Value: "//span[contains(text(),'Accept')]"},
							{Kind: models.LocatorText, Value: "Accept"},
							{Kind: models.LocatorPoint, X: 400, Y: 100},
						},
					},
				},
			},
		},
	}
}

// DefaultLoginFlow signs the automation account in with {email} and {password}
func DefaultLoginFlow() models.AutomationFlow {
	return models.AutomationFlow{
		Name: "login",
		Steps: []models.AutomationStep{
			{
				Name:   "enter-email",
				Action: models.ActionType,
				Locators: []models.Locator{
					{Kind: models.LocatorXPath, Value: "//input[@type='email']"},
					{Kind: models.LocatorCSS, Value: "input[type=email]"},
				},
				Text:   "{email}",
				Submit: true,
			},
			{
				Name:   "enter-password",
				Action: models.ActionType,
				Locators: []models.Locator{
					{Kind: models.LocatorXPath, Value: "//input[@type='password']"},
					{Kind: models.LocatorCSS, Value: "input[name=Passwd]"},
				},
				Text:   "{password}",
				Submit: true,
				Secret: true,
			},
			{
				Name:   "wait-for-mailbox",
				Action: models.ActionWait,
				Wait:   models.WaitVisible,
				Locators: []models.Locator{
					{Kind: models.LocatorXPath, Value: "//div[@role='main']"},
				},
			},
		},
	}
}

// LoadFlowFile reads a flow from a .toml, .yaml, .yml or .json file
func LoadFlowFile(path string) (models.AutomationFlow, error) {
	var flow models.AutomationFlow

	data, err := os.ReadFile(path)
	if err != nil {
		return flow, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &flow)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &flow)
	case ".json":
		err = json.Unmarshal(data, &flow)
	default:
		return flow, fmt.Errorf("unsupported flow file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return flow, fmt.Errorf("failed to parse flow file %s: %w", path, err)
	}

	if err := ValidateFlow(flow); err != nil {
		return flow, fmt.Errorf("invalid flow file %s: %w", path, err)
	}
	return flow, nil
}

// ValidateFlow checks that every step has a known action and the inputs it needs
func ValidateFlow(flow models.AutomationFlow) error {
	if len(flow.Steps) == 0 {
		return fmt.Errorf("flow %q has no steps", flow.Name)
	}
	return validateSteps(flow.Steps, false)
}

func validateSteps(steps []models.AutomationStep, inFrame bool) error {
	for i, step := range steps {
		switch step.Action {
		case models.ActionNavigate:
			if step.URL == "" {
				return fmt.Errorf("step %d (%s): navigate requires url", i, step.Name)
			}
		case models.ActionClick, models.ActionType:
			if len(step.Locators) == 0 {
				return fmt.Errorf("step %d (%s): %s requires locators", i, step.Name, step.Action)
			}
		case models.ActionSwitchFrame:
			if inFrame {
				return fmt.Errorf("step %d (%s): nested switch_frame is not supported", i, step.Name)
			}
			if len(step.Locators) == 0 || len(step.Steps) == 0 {
				return fmt.Errorf("step %d (%s): switch_frame requires locators and steps", i, step.Name)
			}
			if err := validateSteps(step.Steps, true); err != nil {
				return fmt.Errorf("step %d (%s): %w", i, step.Name, err)
			}
		case models.ActionSwitchWindow, models.ActionCloseWindow, models.ActionWait:
		default:
			return fmt.Errorf("step %d (%s): unknown action %q", i, step.Name, step.Action)
		}
	}
	return nil
}
