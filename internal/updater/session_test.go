package updater

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-sync/internal/browser"
	"transit-sync/internal/browser/browsertest"
	"transit-sync/internal/domain/vehicle"
)

var fixedNow = time.Date(2026, 10, 15, 14, 7, 0, 0, time.UTC)

// manifestForm is one spawned status form and the fields typed into it.
type manifestForm struct {
	window  *browsertest.Window
	status  *browsertest.Element
	date    *browsertest.Element
	clock   *browsertest.Element
	note    *browsertest.Element
	submit  *browsertest.Element
	carrier string
	number  string
}

// fakeSSW scripts the operational system: login page, root menu, the
// manifest menu popup, the detail screen and the update screen with its
// per-manifest forms.
type fakeSSW struct {
	d *browsertest.Driver

	loginPage bool
	detail    func(w *browsertest.Window, plate string)
	noSpawn   bool
	// formLimit caps how many forms #13 opens; zero means no cap.
	formLimit int
	// closeOnSubmit makes each form close its own window after #9.
	closeOnSubmit bool

	credentials map[string]*browsertest.Element
	plates      []string
	menuOptions []string
	forms       []*manifestForm
	confirms    []*browsertest.Element
	// screenFields are the inputs of the update screen itself.
	screenFields map[string]*browsertest.Element
}

func newFakeSSW(detail func(w *browsertest.Window, plate string)) *fakeSSW {
	f := &fakeSSW{d: browsertest.NewDriver(), loginPage: true, detail: detail}
	f.d.OnNavigate = func(string) { f.loadLogin() }
	return f
}

func (f *fakeSSW) loadLogin() {
	root := f.d.Current()
	root.Reset()
	if !f.loginPage {
		return
	}
	f.credentials = map[string]*browsertest.Element{}
	for _, name := range []string{"f1", "f2", "f3", "f4"} {
		el := browsertest.NewElement("")
		f.credentials[name] = el
		root.Set(browser.Name(name), el)
	}
	submit := browsertest.NewElement("")
	submit.OnClick = f.loadMenu
	root.Set(browser.ID("5"), submit)
}

func (f *fakeSSW) loadMenu() {
	root := f.d.Window("window-0")
	root.Reset()
	option := browsertest.NewElement("")
	option.OnKeys = func(text string) {
		f.menuOptions = append(f.menuOptions, text)
		switch text {
		case "23+":
			f.openManifestMenu()
		case "33+":
			f.openUpdateScreen()
		}
	}
	root.Set(browser.Name("f2"), browsertest.NewElement(""))
	root.Set(browser.Name("f3"), option)
}

func (f *fakeSSW) openManifestMenu() {
	w := f.d.OpenWindow()
	plate := browsertest.NewElement("")
	search := browsertest.NewElement("")
	search.OnClick = func() {
		detail := f.d.OpenWindow()
		typed := plate.Typed()
		f.plates = append(f.plates, typed)
		f.detail(detail, typed)
	}
	w.Set(browser.Name("t_placa_cavalo"), plate)
	w.Set(browser.ID("12"), search)
}

func (f *fakeSSW) openUpdateScreen() {
	w := f.d.OpenWindow()
	carrier := browsertest.NewElement("")
	number := browsertest.NewElement("")
	var pending manifestForm
	carrier.OnKeys = func(text string) { pending.carrier = text }
	number.OnKeys = func(text string) { pending.number = text }

	f.screenFields = map[string]*browsertest.Element{}
	for _, name := range []string{"f3", "f4"} {
		el := browsertest.NewElement("")
		f.screenFields[name] = el
		w.Set(browser.Name(name), el)
	}

	open := browsertest.NewElement("")
	open.OnClick = func() {
		if f.noSpawn || (f.formLimit > 0 && len(f.forms) >= f.formLimit) {
			return
		}
		form := pending
		form.window = f.d.OpenWindow()
		form.status = browsertest.NewElement("")
		form.date = browsertest.NewElement("")
		form.clock = browsertest.NewElement("0000")
		form.note = browsertest.NewElement("")
		form.submit = browsertest.NewElement("")
		handle := form.window.Handle
		form.submit.OnClick = func() {
			confirm := browsertest.NewElement("OK")
			f.confirms = append(f.confirms, confirm)
			w.Set(browser.ID("0"), confirm)
			if f.closeOnSubmit {
				f.d.Drop(handle)
			}
		}
		form.window.Set(browser.Name("f3"), form.status)
		form.window.Set(browser.Name("f4"), form.date)
		form.window.Set(browser.Name("f5"), form.clock)
		form.window.Set(browser.Name("f6"), form.note)
		form.window.Set(browser.ID("9"), form.submit)
		f.forms = append(f.forms, &form)
	}

	w.Set(browser.ID("11"), carrier)
	w.Set(browser.ID("12"), number)
	w.Set(browser.ID("13"), open)
}

func (f *fakeSSW) factory() browser.Factory {
	return browser.FactoryFunc(func(context.Context) (browser.Driver, error) { return f.d, nil })
}

func manifestRow(label, done string, authorized bool) *browsertest.Element {
	row := browsertest.NewElement("")
	for _, text := range []string{label, "SAO PAULO", done, "15/10/26", ""} {
		row.WithChildren(browser.Tag("td"), browsertest.NewElement(text))
	}
	if authorized {
		row.WithChildren(browser.XPath(authorizedMarker), browsertest.NewElement("AUTORIZADO"))
	}
	return row
}

func withTable(rows ...*browsertest.Element) func(*browsertest.Window, string) {
	return func(w *browsertest.Window, _ string) {
		table := browsertest.NewElement("")
		table.WithChildren(browser.Tag("tr"), rows...)
		w.Set(browser.ID("tblsr"), table)
	}
}

func withForm(labels ...string) func(*browsertest.Window, string) {
	return func(w *browsertest.Window, _ string) {
		form := browsertest.NewElement("")
		for _, l := range labels {
			form.WithChildren(browser.Tag("b"), browsertest.NewElement(l))
		}
		w.Set(browser.Name("frm"), form)
	}
}

func testConfig() Config {
	return Config{
		LoginURL:          "https://ssw.test/bin/ssw0422",
		Company:           "LOG",
		CNPJ:              "12345678000199",
		Username:          "robot",
		Password:          "secret",
		Unit:              "CTA",
		ManifestOption:    "23+",
		UpdateOption:      "33+",
		TransitStatusCode: "41",
		Sleep:             func(context.Context, time.Duration) error { return nil },
		Now:               func() time.Time { return fixedNow },
	}
}

func openSession(t *testing.T, f *fakeSSW) *Session {
	t.Helper()
	s, err := Open(context.Background(), f.factory(), testConfig(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

var campinas = Job{Plate: "ABC1234", City: "Campinas", State: "São Paulo"}

func TestOpenLogsInOnce(t *testing.T) {
	f := newFakeSSW(withTable())
	s := openSession(t, f)
	defer s.Close()

	assert.Equal(t, []string{"https://ssw.test/bin/ssw0422"}, f.d.Navigations())
	assert.Equal(t, "LOG", f.credentials["f1"].Typed())
	assert.Equal(t, "12345678000199", f.credentials["f2"].Typed())
	assert.Equal(t, "robot", f.credentials["f3"].Typed())
	assert.Equal(t, "secret", f.credentials["f4"].Typed())
	assert.Equal(t, []time.Duration{formWait}, f.d.WaitTimeouts(browser.Name("f1")))
}

func TestOpenFailureIsFatal(t *testing.T) {
	f := newFakeSSW(withTable())
	f.loginPage = false

	s, err := Open(context.Background(), f.factory(), testConfig(), zerolog.Nop())
	require.ErrorIs(t, err, vehicle.ErrFatalAuth)
	assert.Nil(t, s)
	assert.True(t, f.d.Quitted())
	assert.Len(t, f.d.Navigations(), 1)
}

func TestApplyTableBranch(t *testing.T) {
	header := browsertest.NewElement("")
	header.WithChildren(browser.Tag("th"), browsertest.NewElement("Manifesto"))

	f := newFakeSSW(withTable(
		header,
		manifestRow("CTA1234-56", "", true),
		manifestRow("CTA999", "14/10/26", true),
		manifestRow("CTA777", "", false),
		manifestRow("bad label", "", true),
		manifestRow("CTA 42", "", true),
	))
	s := openSession(t, f)
	defer s.Close()

	res, err := s.Apply(context.Background(), campinas)
	require.NoError(t, err)

	assert.Equal(t, vehicle.OutcomeUpdated, res.Kind)
	assert.Equal(t, BranchTable, res.Branch)
	assert.Equal(t, []vehicle.ManifestRef{
		{CarrierCode: "CTA", Number: "123456"},
		{CarrierCode: "CTA", Number: "42"},
	}, res.Manifests)

	assert.Equal(t, []string{"ABC1234"}, f.plates)
	assert.Equal(t, []string{"23+", "33+"}, f.menuOptions)
	assert.Equal(t, []time.Duration{probeWait}, f.d.WaitTimeouts(browser.ID("tblsr")))
	assert.Equal(t, []time.Duration{confirmWait, confirmWait}, f.d.WaitTimeouts(browser.ID("0")))

	require.Len(t, f.forms, 2)
	assert.Equal(t, "CTA", f.forms[0].carrier)
	assert.Equal(t, "123456", f.forms[0].number)
	assert.Equal(t, "42", f.forms[1].number)
	for _, form := range f.forms {
		assert.Equal(t, "41", form.status.Typed())
		assert.Equal(t, "151026", form.date.Typed())
		assert.Equal(t, "1407", form.clock.Typed())
		assert.Equal(t, 1, form.clock.Cleared())
		assert.Equal(t, "em transf: Campinas - São Paulo", form.note.Typed())
		assert.Equal(t, 1, form.submit.Dispatched())
	}
	require.Len(t, f.confirms, 2)
	for _, c := range f.confirms {
		assert.Equal(t, 1, c.Dispatched())
	}

	// The menu popup and the detail screen were closed before updating.
	assert.Nil(t, f.d.Window("window-1"))
	assert.Nil(t, f.d.Window("window-2"))
	// The confirmation is dispatched on the anchored update screen.
	current, err := f.d.CurrentWindow()
	require.NoError(t, err)
	assert.Equal(t, "window-3", current)
}

func TestApplyWithoutAuthorizedRowsSkips(t *testing.T) {
	f := newFakeSSW(withTable(
		manifestRow("CTA1234-56", "", false),
		manifestRow("CTA999", "14/10/26", true),
	))
	s := openSession(t, f)
	defer s.Close()

	res, err := s.Apply(context.Background(), campinas)
	require.NoError(t, err)
	assert.Equal(t, vehicle.OutcomeSkippedNoManifest, res.Kind)
	assert.Empty(t, res.Manifests)
	assert.Equal(t, []string{"23+"}, f.menuOptions)
	assert.Empty(t, f.forms)
}

func TestApplyFallbackBranch(t *testing.T) {
	f := newFakeSSW(withForm("Manifesto", "CTA12-3 CHEGOU", "CTA99"))
	s := openSession(t, f)
	defer s.Close()

	res, err := s.Apply(context.Background(), campinas)
	require.NoError(t, err)
	assert.Equal(t, vehicle.OutcomeUpdated, res.Kind)
	assert.Equal(t, BranchFallback, res.Branch)
	assert.Equal(t, []vehicle.ManifestRef{{CarrierCode: "CTA", Number: "123"}}, res.Manifests)
	require.Len(t, f.forms, 1)
	assert.Equal(t, "123", f.forms[0].number)
}

func TestApplyFallbackWithoutForm(t *testing.T) {
	f := newFakeSSW(func(*browsertest.Window, string) {})
	s := openSession(t, f)
	defer s.Close()

	res, err := s.Apply(context.Background(), campinas)
	require.NoError(t, err)
	assert.Equal(t, vehicle.OutcomeSkippedNoManifest, res.Kind)
	assert.Equal(t, BranchFallback, res.Branch)
}

func TestApplyReusesSessionAcrossPlates(t *testing.T) {
	f := newFakeSSW(withTable(manifestRow("CTA100", "", true)))
	s := openSession(t, f)
	defer s.Close()

	for _, job := range []Job{campinas, {Plate: "DEF5678", City: "Jundiaí", State: "São Paulo"}} {
		res, err := s.Apply(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, vehicle.OutcomeUpdated, res.Kind)
	}

	assert.Len(t, f.d.Navigations(), 1)
	assert.Equal(t, []string{"ABC1234", "DEF5678"}, f.plates)
	require.Len(t, f.forms, 2)
	assert.Equal(t, "em transf: Jundiaí - São Paulo", f.forms[1].note.Typed())

	// Only the root, the second update screen and its form remain.
	handles, err := f.d.Windows()
	require.NoError(t, err)
	assert.Len(t, handles, 3)
	assert.Equal(t, "window-0", handles[0])
}

func TestApplyFailsWhenFormDoesNotOpen(t *testing.T) {
	f := newFakeSSW(withTable(manifestRow("CTA100", "", true)))
	f.noSpawn = true
	s := openSession(t, f)

	_, err := s.Apply(context.Background(), campinas)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CTA100")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, f.d.Quitted())
}

func TestApplyFailsWhenFormClosedAndNextDoesNotOpen(t *testing.T) {
	f := newFakeSSW(withTable(
		manifestRow("CTA100", "", true),
		manifestRow("CTA200", "", true),
	))
	f.closeOnSubmit = true
	f.formLimit = 1
	s := openSession(t, f)
	defer s.Close()

	_, err := s.Apply(context.Background(), campinas)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CTA200")
	assert.Contains(t, err.Error(), "expected a new window")

	require.Len(t, f.forms, 1)
	assert.Equal(t, "41", f.forms[0].status.Typed())
	require.Len(t, f.confirms, 1)
	assert.Equal(t, 1, f.confirms[0].Dispatched())
	// Nothing meant for the status form reached the update screen.
	assert.Empty(t, f.screenFields["f3"].Typed())
	assert.Empty(t, f.screenFields["f4"].Typed())
}

func TestApplyAfterSelfClosingForms(t *testing.T) {
	f := newFakeSSW(withTable(
		manifestRow("CTA100", "", true),
		manifestRow("CTA200", "", true),
	))
	f.closeOnSubmit = true
	s := openSession(t, f)
	defer s.Close()

	res, err := s.Apply(context.Background(), campinas)
	require.NoError(t, err)
	assert.Equal(t, vehicle.OutcomeUpdated, res.Kind)

	require.Len(t, f.forms, 2)
	for _, form := range f.forms {
		assert.Equal(t, "41", form.status.Typed())
		assert.Equal(t, 1, form.submit.Dispatched())
	}
	assert.Empty(t, f.screenFields["f3"].Typed())
}
