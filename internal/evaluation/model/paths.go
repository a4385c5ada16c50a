package model

import "fmt"

// ArtifactPaths are the object keys of every artifact of one submission.
type ArtifactPaths struct {
	PredictionRunfile string
	PredictionOutput  string
	PredictionStdout  string
	PredictionStderr  string
	Runfile           string
	InputFile         string
	Stdout            string
	Stderr            string
	History           string
	Scores            string
	Coopetition       string
	Output            string
	PrivateOutput     string
	DetailedResults   string
}

// PathsFor lays out artifacts under
// competition/<competition>/<phase>/submissions/<participant>/<number>/.
func PathsFor(competitionID int64, phaseNumber int, participantID int64, number int) ArtifactPaths {
	base := fmt.Sprintf("competition/%d/%d/submissions/%d/%d/", competitionID, phaseNumber, participantID, number)
	return ArtifactPaths{
		PredictionRunfile: base + "predict/run.txt",
		PredictionOutput:  base + "predict/output.zip",
		PredictionStdout:  base + "predict/stdout.txt",
		PredictionStderr:  base + "predict/stderr.txt",
		Runfile:           base + "run/run.txt",
		InputFile:         base + "run/input.txt",
		Stdout:            base + "run/stdout.txt",
		Stderr:            base + "run/stderr.txt",
		History:           base + "run/history.txt",
		Scores:            base + "run/scores.txt",
		Coopetition:       base + "run/coopetition.zip",
		Output:            base + "run/output.zip",
		PrivateOutput:     base + "run/private_output.zip",
		DetailedResults:   base + "run/detailed_results.html",
	}
}
