package main

const (
	MsgAPIRunning = "Object Detection API is running"

	MsgDetectionFailed = "Detection processing failed"

	MsgNoImage = "No image data provided"

	MsgInvalidJSON = "Request body is not valid JSON"

	MsgHistoryDisabled = "Announcement history is disabled"

	MsgAnnouncementsDisabled = "Announcements are disabled"
)
