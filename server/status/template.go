package status

import "html/template"

type statusTemplatePort struct {
	Path      string
	Espressif bool
	Used      bool
	Session   string
}

type statusTemplateSession struct {
	ID      string
	Path    string
	Family  string
	State   string
	Outcome string
}

type statusTemplateBuild struct {
	Family  string
	Version string
}

type statusTemplateData struct {
	Version   string
	Firmware  string
	Ports     []statusTemplatePort
	PortCount int
	Sessions  []statusTemplateSession
	Builds    []statusTemplateBuild
	Log       string

	IsError bool
	Error   string

	CSRFField template.HTML
}

const templateString = `
<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no">
  <title>EspTimeCast flasher status</title>
  <style>
    body {
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", "Roboto", "Helvetica Neue", Arial, sans-serif;
    }

    h1 {
      font-size: 36px;
    }

    p {
      color: #858585;
    }

    #container {
      width: 100%;
    }

    .error {
      border: 1px solid orangered;
      border-radius: 4px;
      min-width: 320px;
      max-width: 500px;
      min-height: 33px;
      margin: 20px auto;
      position: relative;
      color: darkred;
      padding-top: 13px;
    }

    .item {
      border: 1px solid lightgray;
      border-radius: 4px;
      min-width: 320px;
      max-width: 500px;
      min-height: 100px;
      margin: 20px auto;
      position: relative;
    }

    .item h3 {
      left: 20px;
      position: absolute;
    }

    .item p {
      top: 50px;
      left: -5px;
      position: relative;
      font-size: 11px;
    }

    .item .session {
      top: 20px;
      right: 20px;
      position: absolute;
    }

    .inner-container {
      max-width: 1024px;
      margin: 0 auto;
      text-align: center;
      border-radius: 4px;
    }

    .badge {
      display: inline-block;
      padding: 6px 10px 6px 10px;
      border: 1px solid #01B757;
      border-radius: 4px;
      color: #01B757;
    }

    .heading {
      margin-bottom: 40px;
    }

    .space-top {
      margin-top: 34px;
    }

    .btn-primary {
      display: inline-block;
      padding: 10px 40px 10px 40px;
      background-color: #01B757;
      color: white;
      border-radius: 4px;
    }

    .btn-primary:hover {
      background-color: #00A24C;
    }

    textarea{
      max-width: 700px;
    }
  </style>
</head>

<body>
  <div id="container">
    <div class="inner-container">
      <div class="heading">
        <h1>EspTimeCast flasher status</h1>
        <span class="badge">Version: {{.Version}}</span>
        <span class="badge">Firmware: {{.Firmware}}</span>
      </div>

      <p>Connected ports: {{.PortCount}}</p>

      {{if .IsError}}
        <div class="error">
          <b>Error:</b> {{.Error}}
        </div>
      {{end}}

      {{range .Ports}}
      <div class="item">
        <h3>{{if .Espressif}}Espressif device{{else}}Serial port{{end}}</h3>
        <span class="session">
        {{if .Used}} Session: {{.Session}} {{end}} {{if not .Used}} Session: no session {{end}}
        </span>
        <p>Path: {{.Path}}</p>
       </div>
      {{end}}

      {{if .Sessions}}
      <p>Sessions</p>
      {{range .Sessions}}
      <div class="item">
        <h3>{{.Family}}</h3>
        <span class="session">{{.ID}}</span>
        <p>Path: {{.Path}} State: {{.State}}{{if .Outcome}} Outcome: {{.Outcome}}{{end}}</p>
      </div>
      {{end}}
      {{end}}

      {{if .Builds}}
      <p>Registered firmware builds</p>
      {{range .Builds}}
      <div class="item">
        <h3>{{.Family}}</h3>
        <p>Version: {{.Version}}</p>
      </div>
      {{end}}
      {{end}}

       <div class="space-top">
       <p>Console Log
       </p>
       <textarea rows="25" cols="150" id="log">
{{.Log}}
       </textarea>
       <p>
       <form action="/status/log.gz" method="post">
         {{.CSRFField}}
         <input type="submit" value="Download detailed log"/>
       </form>
       </p>
     </div>

      <div class="space-top">
        <p>You may need to reload the page after connecting / disconnecting</p>
        <a href="#" onClick="location.href=location.href">
          <div class="btn-primary">Refresh page</div>
        </a>
      </div>
    </div>
  </div>
</body>
</html>
`

var statusTemplate, _ = template.New("status").Parse(templateString)
