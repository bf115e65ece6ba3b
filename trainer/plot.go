package trainer

import (
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveCurves writes loss.png and accuracy.png under dir from the epoch
// history. target draws a horizontal goal line on the accuracy plot.
func SaveCurves(dir string, history []EpochStats, target float64) error {
	if len(history) == 0 {
		return errors.New("no epoch history to plot")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating plot directory %q", dir)
	}

	trainLoss := make(plotter.XYs, len(history))
	evalLoss := make(plotter.XYs, len(history))
	trainAcc := make(plotter.XYs, len(history))
	evalAcc := make(plotter.XYs, len(history))
	for i, r := range history {
		x := float64(r.Epoch)
		trainLoss[i] = plotter.XY{X: x, Y: r.TrainLoss}
		evalLoss[i] = plotter.XY{X: x, Y: r.EvalLoss}
		trainAcc[i] = plotter.XY{X: x, Y: r.TrainAcc}
		evalAcc[i] = plotter.XY{X: x, Y: r.EvalAcc}
	}

	lossPlot, err := curvePlot("Loss", "loss", trainLoss, evalLoss)
	if err != nil {
		return err
	}
	if err := lossPlot.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(dir, "loss.png")); err != nil {
		return errors.Wrap(err, "saving loss plot")
	}

	accPlot, err := curvePlot("Accuracy", "accuracy (%)", trainAcc, evalAcc)
	if err != nil {
		return err
	}
	if target > 0 {
		goal := plotter.XYs{
			{X: float64(history[0].Epoch), Y: target},
			{X: float64(history[len(history)-1].Epoch), Y: target},
		}
		line, err := plotter.NewLine(goal)
		if err != nil {
			return errors.Wrap(err, "building target line")
		}
		line.Color = color.RGBA{R: 120, G: 120, B: 120, A: 180}
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		accPlot.Add(line)
		accPlot.Legend.Add("target", line)
	}
	if err := accPlot.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(dir, "accuracy.png")); err != nil {
		return errors.Wrap(err, "saving accuracy plot")
	}
	return nil
}

func curvePlot(title, yLabel string, trainXY, evalXY plotter.XYs) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	trainLine, err := plotter.NewLine(trainXY)
	if err != nil {
		return nil, errors.Wrap(err, "building train curve")
	}
	trainLine.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	trainLine.Width = vg.Points(1.2)
	p.Add(trainLine)
	p.Legend.Add("train", trainLine)

	evalLine, err := plotter.NewLine(evalXY)
	if err != nil {
		return nil, errors.Wrap(err, "building eval curve")
	}
	evalLine.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	evalLine.Width = vg.Points(1.2)
	p.Add(evalLine)
	p.Legend.Add("eval", evalLine)

	return p, nil
}
