package registration

import "github.com/ashureev/otp-registrar/internal/device"

// Controls of the messaging app's registration screens.
var (
	eulaAccept      = device.ByResourceID("com.whatsapp:id/eula_accept")
	ccField         = device.ByResourceID("com.whatsapp:id/registration_cc")
	phoneField      = device.ByResourceID("com.whatsapp:id/registration_phone")
	submitPhone     = device.ByResourceID("com.whatsapp:id/registration_submit")
	otpInput        = device.ByResourceID("com.whatsapp:id/verify_sms_code_input")
	profileName     = device.ByResourceID("com.whatsapp:id/registration_name")
	chatListLine    = device.ByResourceID("com.whatsapp:id/chat_list_item_line")
	newChatLandmark = device.ByAccessibilityDescription("New chat")

	confirmNumber = []device.Selector{
		device.ByText("Yes"),
		device.ByTextContains("Yes"),
		device.ByResourceID("android:id/button1"),
	}

	verifyAnotherWay = []device.Selector{
		device.ByTextContains("Verify another"),
		device.ByTextContains("verify another"),
		device.ByTextContains("other way"),
		device.ByTextContains("Use another"),
		device.ByTextContains("Other ways"),
	}

	continueButtons = []device.Selector{
		device.ByText("Continue"),
		device.ByTextContains("Continue"),
	}

	smsOptions = []device.Selector{
		device.ByTextContains("Receive SMS"),
		device.ByTextContains("receive sms"),
		device.ByTextContains("Receive text"),
		device.ByTextContains("text message"),
		device.ByTextContains("SMS"),
	}

	finalContinue = []device.Selector{
		device.ByText("Continue"),
		device.ByTextContains("Continue"),
		device.ByTextContains("Confirm"),
		device.ByTextContains("Done"),
	}

	wrongCode = []device.Selector{
		device.ByTextContains("incorrect"),
		device.ByTextContains("Incorrect"),
		device.ByTextContains("wrong code"),
		device.ByTextContains("Wrong code"),
	}

	profileDone = []device.Selector{
		device.ByText("Done"),
		device.ByText("Next"),
	}

	skipPicture = []device.Selector{
		device.ByText("Not now"),
		device.ByTextContains("Skip photo"),
	}

	skipBackup = []device.Selector{
		device.ByTextContains("Skip"),
		device.ByText("Not now"),
	}
)
