package dispatch

import (
	"fmt"
	"math"
	"time"

	"chat-dispatch/pkg/constants"
)

const (
	replyApology = "Sorry, I couldn't answer that right now. Please try again in a moment, " +
		"or type 'human' to reach an agent."
	replyQueueFull = "All of our agents are busy and the waiting line is full right now. " +
		"Please try again a little later."
	replyHandoffUnavailable = "Sorry, transferring you to an agent is not possible right now. Please try again later."
	replyAssigned           = "An agent has picked up your conversation and will reply shortly."
	replyForwarded          = "Your message has been passed on to the agent."
	replyCancelled          = "The transfer to a human agent has been cancelled.\n\n" +
		"Feel free to keep asking, or type 'human' to be transferred again."
	replyNoTransfer = "You do not have a pending transfer request."
	truncatedSuffix = "...\n\nThis reply was shortened. Type 'human' to reach an agent for more."
)

func slowDownReply(retryAfter time.Duration) string {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("You're sending messages too quickly. Please wait %d seconds and try again.", secs)
}

func estimatedWait(position int) int {
	if position < 1 {
		return 0
	}
	return position * constants.MinutesPerQueuePosition
}

func transferReply(position int) string {
	if position == 0 {
		return replyAssigned
	}
	return fmt.Sprintf("Connecting you to a human agent...\n\n"+
		"Position in line: %d\nEstimated wait: about %d minutes\n\n"+
		"Reply 'cancel' to cancel the transfer.", position, estimatedWait(position))
}

func queueStatusReply(position int) string {
	if position == 0 {
		return replyForwarded
	}
	return fmt.Sprintf("Your message has been added to your request.\n\n"+
		"Position in line: %d\nEstimated wait: about %d minutes\n\n"+
		"Reply 'cancel' to cancel the transfer.", position, estimatedWait(position))
}

func orderUnavailableReply(orderID string) string {
	return fmt.Sprintf("Sorry, we were unable to retrieve order %s. "+
		"We're escalating this to a human agent who can look into it.", orderID)
}
