package approval

import "fmt"

func approverNoticeText(sub SubmissionView) string {
	return fmt.Sprintf("New submission from %s\nFile: %s\nSubmission: %s", sub.SubmitterName, sub.FileName, sub.ID)
}

func approverDecidedText(sub SubmissionView, approved bool) string {
	verdict := "Rejected"
	if approved {
		verdict = "Approved"
	}
	return fmt.Sprintf("%s — submission %s from %s (%s)", verdict, sub.ID, sub.SubmitterName, sub.FileName)
}

func approverWithdrawnText(sub SubmissionView) string {
	return fmt.Sprintf("Withdrawn — submission %s from %s was cancelled by the submitter", sub.ID, sub.SubmitterName)
}

func submitterConfirmText(sub SubmissionView) string {
	return fmt.Sprintf("Your file %q was submitted for review.\nYou can cancel it while it is pending.", sub.FileName)
}

func submitterDecidedText(sub SubmissionView, approved bool) string {
	if approved {
		return fmt.Sprintf("Your submission %q was approved.", sub.FileName)
	}
	return fmt.Sprintf("Your submission %q was rejected.", sub.FileName)
}

func submitterCancelledText(sub SubmissionView) string {
	return fmt.Sprintf("Submission %q cancelled.", sub.FileName)
}
