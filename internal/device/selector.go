// Package device drives the registration UI on a remote Android device.
package device

import (
	"fmt"
	"strings"
)

// Selector locates UI elements. The set of implementations is closed:
// ByResourceID, ByText, ByTextContains and ByAccessibilityDescription.
type Selector interface {
	fmt.Stringer
	isSelector()
}

// ByResourceID matches an element's fully-qualified resource id.
type ByResourceID string

// ByText matches an element whose text equals the value.
type ByText string

// ByTextContains matches an element whose text contains the value.
type ByTextContains string

// ByAccessibilityDescription matches an element's content description.
type ByAccessibilityDescription string

func (ByResourceID) isSelector()               {}
func (ByText) isSelector()                     {}
func (ByTextContains) isSelector()             {}
func (ByAccessibilityDescription) isSelector() {}

func (s ByResourceID) String() string               { return "id=" + string(s) }
func (s ByText) String() string                     { return "text=" + string(s) }
func (s ByTextContains) String() string             { return "text~=" + string(s) }
func (s ByAccessibilityDescription) String() string { return "desc=" + string(s) }

// uiAutomatorQuery renders sel as a WebDriver locator strategy and value.
func uiAutomatorQuery(sel Selector) (using, value string) {
	switch s := sel.(type) {
	case ByResourceID:
		return "-android uiautomator", fmt.Sprintf(`new UiSelector().resourceId(%s)`, quote(string(s)))
	case ByText:
		return "-android uiautomator", fmt.Sprintf(`new UiSelector().text(%s)`, quote(string(s)))
	case ByTextContains:
		return "-android uiautomator", fmt.Sprintf(`new UiSelector().textContains(%s)`, quote(string(s)))
	case ByAccessibilityDescription:
		return "accessibility id", string(s)
	default:
		panic(fmt.Sprintf("device: unknown selector %T", sel))
	}
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
